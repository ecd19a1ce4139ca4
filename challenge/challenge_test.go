package challenge

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/compliance"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
	"github.com/antonioclim/netENwsl-sub003/profile"
)

var fixedNow = time.Date(2026, 10, 15, 9, 30, 12, 987654321, time.UTC)

func week9() profile.Profile {
	return profile.Profile{
		Week: 9, Name: "test", Course: "netENwsl",
		Transport: packet.TCP, Port: profile.PortPolicy{Fixed: 9090},
		ExtraPorts:  map[string]uint16{"ftp": 2121},
		ReportToken: true, PayloadToken: true,
	}
}

func issue(t *testing.T, key []byte) *Challenge {
	t.Helper()
	c, err := Issue(IssueRequest{
		StudentID: "s1",
		Profile:   week9(),
		TTL:       time.Hour,
		Key:       key,
		Now:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return c
}

func TestIssue_Fields(t *testing.T) {
	c := issue(t, nil)
	if c.SchemaVersion != SchemaVersion || c.Week != 9 || c.StudentID != "s1" || c.CourseID != "netENwsl" {
		t.Fatalf("unexpected header fields: %+v", c)
	}
	if !c.IssuedAt.Equal(fixedNow.Truncate(time.Second)) {
		t.Fatalf("issued_at not truncated to seconds: %s", c.IssuedAt)
	}
	if c.TTLSeconds != 3600 {
		t.Fatalf("ttl_seconds = %d", c.TTLSeconds)
	}
	if !regexp.MustCompile(`^W9R-[0-9A-F]{16}$`).MatchString(c.Tokens.ReportToken) {
		t.Fatalf("bad report token %q", c.Tokens.ReportToken)
	}
	if !regexp.MustCompile(`^W9P-[0-9A-F]{16}$`).MatchString(c.Tokens.PayloadToken) {
		t.Fatalf("bad payload token %q", c.Tokens.PayloadToken)
	}
	if c.Network.PayloadTransport != packet.TCP || c.Network.PayloadPort != 9090 || c.Network.Ports["ftp"] != 2121 {
		t.Fatalf("unexpected network block %+v", c.Network)
	}
	if c.ChallengeID == "" || c.Integrity.SHA256 == "" || c.Integrity.Signature != "" {
		t.Fatalf("unexpected id/integrity %q %+v", c.ChallengeID, c.Integrity)
	}
	if err := c.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
}

func TestIssue_TokensUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		c := issue(t, nil)
		for _, tok := range []string{c.Tokens.ReportToken, c.Tokens.PayloadToken, c.ChallengeID} {
			if seen[tok] {
				t.Fatalf("duplicate value %q", tok)
			}
			seen[tok] = true
		}
	}
}

func TestIssue_DeterministicWithInjectedRandomness(t *testing.T) {
	req := IssueRequest{
		StudentID: "s1", Profile: week9(),
		Now: func() time.Time { return fixedNow },
	}
	seed := bytes.Repeat([]byte{0x5a, 0xa5, 0x3c}, 64)
	req.Rand = bytes.NewReader(seed)
	a, err := Issue(req)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req.Rand = bytes.NewReader(seed)
	b, err := Issue(req)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if a.Integrity.SHA256 != b.Integrity.SHA256 || a.Tokens != b.Tokens {
		t.Fatalf("same randomness produced different challenges")
	}
}

func TestIssue_SignWithoutKeyIsConfigurationError(t *testing.T) {
	_, err := Issue(IssueRequest{StudentID: "s1", Profile: week9(), Sign: true})
	if !fault.IsKind(err, fault.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestIssue_RejectsEmptyStudent(t *testing.T) {
	_, err := Issue(IssueRequest{StudentID: "/ ~ /", Profile: week9()})
	if !fault.IsKind(err, fault.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSanitizeStudentID(t *testing.T) {
	cases := map[string]string{
		"ana.pop_01-x":          "ana.pop_01-x",
		"../../etc/passwd":      "....etcpasswd",
		"Ștefan Ionescu":        "tefanIonescu",
		strings.Repeat("a", 80): strings.Repeat("a", 64),
		"":                      "",
	}
	for in, want := range cases {
		if got := SanitizeStudentID(in); got != want {
			t.Errorf("SanitizeStudentID(%q) = %q want %q", in, got, want)
		}
	}
}

func TestSaveLoad_RoundTripVerifies(t *testing.T) {
	key := []byte("course-secret")
	c := issue(t, key)
	wantCID, err := c.CID()
	if err != nil {
		t.Fatalf("CID: %v", err)
	}
	for _, name := range []string{"challenge.json", "challenge.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := c.Save(path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			note, err := got.Verify(codec.SignaturePolicy{Key: key})
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if note == "" {
				t.Fatalf("expected a verification note")
			}
			if cid, _ := got.CID(); cid != wantCID {
				t.Fatalf("cid changed across save/load: %s vs %s", cid, wantCID)
			}
			if got.Tokens != c.Tokens || !got.IssuedAt.Equal(c.IssuedAt) {
				t.Fatalf("fields changed across save/load")
			}
		})
	}
}

func TestCID_IndependentOfSignature(t *testing.T) {
	c := issue(t, nil)
	unsigned, _ := c.CID()
	c.Integrity.Signature = "deadbeef"
	signed, _ := c.CID()
	if unsigned != signed || !strings.HasPrefix(unsigned, "b") {
		t.Fatalf("unexpected cids %q %q", unsigned, signed)
	}
}

func rewrite(t *testing.T, path string, edit func(m map[string]any)) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	edit(m)
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_TamperDetected(t *testing.T) {
	cases := map[string]func(m map[string]any){
		"port":        func(m map[string]any) { m["network"].(map[string]any)["payload_port"] = 8080 },
		"ttl":         func(m map[string]any) { m["ttl_seconds"] = 999999 },
		"extra field": func(m map[string]any) { m["note"] = "added later" },
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.json")
			if err := issue(t, nil).Save(path); err != nil {
				t.Fatal(err)
			}
			rewrite(t, path, edit)
			c, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := c.VerifyIntegrity(); !fault.IsKind(err, fault.KindIntegrity) {
				t.Fatalf("expected integrity error, got %v", err)
			}
		})
	}
}

func TestLoad_KeyOrderDoesNotMatter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	if err := issue(t, nil).Save(path); err != nil {
		t.Fatal(err)
	}
	// json.Marshal of a map sorts keys, which differs from the struct order on disk.
	rewrite(t, path, func(map[string]any) {})
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity after reordering: %v", err)
	}
}

func TestParse_FloatsHashAlikeInJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	c := issue(t, nil)
	jsonPath, yamlPath := filepath.Join(dir, "c.json"), filepath.Join(dir, "c.yaml")
	if err := c.Save(jsonPath); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(yamlPath); err != nil {
		t.Fatal(err)
	}
	jsonDoc, _ := os.ReadFile(jsonPath)
	yamlDoc, _ := os.ReadFile(yamlPath)
	jsonDoc = bytes.Replace(jsonDoc, []byte("{"), []byte(`{"weight": 1.0, "scale": [2.50, 1e-5],`), 1)
	yamlDoc = append(yamlDoc, []byte("weight: 1.0\nscale: [2.50, 1.0e-5]\n")...)

	fromJSON, err := Parse(jsonDoc, "c.json")
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	fromYAML, err := Parse(yamlDoc, "c.yaml")
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	a, err := fromJSON.CanonicalPayload()
	if err != nil {
		t.Fatal(err)
	}
	b, err := fromYAML.CanonicalPayload()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical payloads differ:\n%s\n%s", a, b)
	}
	if !bytes.Contains(a, []byte(`"scale":[2.5,1e-05]`)) || !bytes.Contains(a, []byte(`"weight":1.0`)) {
		t.Fatalf("floats not kept as floats: %s", a)
	}
}

func TestVerify_SignaturePolicy(t *testing.T) {
	signed := issue(t, []byte("k1"))
	unsigned := issue(t, nil)

	if _, err := signed.Verify(codec.SignaturePolicy{Key: []byte("k2")}); !fault.IsKind(err, fault.KindSignature) {
		t.Fatalf("wrong key: expected signature error, got %v", err)
	}
	if _, err := unsigned.Verify(codec.SignaturePolicy{Key: []byte("k1")}); !fault.IsKind(err, fault.KindSignature) {
		t.Fatalf("unsigned with key: expected signature error, got %v", err)
	}
	if _, err := unsigned.Verify(codec.SignaturePolicy{}); !fault.IsKind(err, fault.KindSignature) {
		t.Fatalf("strict without key: expected signature error, got %v", err)
	}
	if _, err := unsigned.Verify(codec.SignaturePolicy{Mode: compliance.Practice}); err != nil {
		t.Fatalf("practice without key: %v", err)
	}
	if _, err := signed.Verify(codec.SignaturePolicy{Mode: compliance.Practice, Require: true}); !fault.IsKind(err, fault.KindConfiguration) {
		t.Fatalf("required without key: expected configuration error, got %v", err)
	}
}

func TestExpiry_Boundary(t *testing.T) {
	c := issue(t, nil)
	issued := c.IssuedAt
	grace := 5 * time.Minute
	boundary := issued.Add(time.Hour + grace)

	if !c.ExpiresAt(grace).Equal(boundary) {
		t.Fatalf("ExpiresAt = %s want %s", c.ExpiresAt(grace), boundary)
	}
	if c.IsExpired(boundary, grace) {
		t.Fatalf("challenge must still be valid exactly at the boundary")
	}
	if !c.IsExpired(boundary.Add(time.Second), grace) {
		t.Fatalf("challenge must be expired one second after the boundary")
	}
	if err := c.CheckExpiry(boundary.Add(time.Second), grace); !fault.IsKind(err, fault.KindExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
	if err := c.CheckExpiry(issued, 0); err != nil {
		t.Fatalf("fresh challenge: %v", err)
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"not object":     `[1,2]`,
		"missing tokens": `{"schema_version":1,"student_id":"s","week":1,"issued_at":"2026-10-15T10:00:00Z","ttl_seconds":60,"integrity":{"sha256":"x"}}`,
		"no token":       `{"schema_version":1,"student_id":"s","week":1,"issued_at":"2026-10-15T10:00:00Z","ttl_seconds":60,"tokens":{},"integrity":{"sha256":"x"}}`,
		"zero ttl":       `{"schema_version":1,"student_id":"s","week":1,"issued_at":"2026-10-15T10:00:00Z","ttl_seconds":0,"tokens":{"report_token":"W1R-A"},"integrity":{"sha256":"x"}}`,
		"bad version":    `{"schema_version":2,"student_id":"s","week":1,"issued_at":"2026-10-15T10:00:00Z","ttl_seconds":60,"tokens":{"report_token":"W1R-A"},"integrity":{"sha256":"x"}}`,
		"bad time":       `{"schema_version":1,"student_id":"s","week":1,"issued_at":"yesterday","ttl_seconds":60,"tokens":{"report_token":"W1R-A"},"integrity":{"sha256":"x"}}`,
		"no port":        `{"schema_version":1,"student_id":"s","week":1,"issued_at":"2026-10-15T10:00:00Z","ttl_seconds":60,"tokens":{"payload_token":"W1P-A"},"network":{"payload_transport":"tcp"},"integrity":{"sha256":"x"}}`,
		"trailing":       `{"schema_version":1} {}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc), "c.json"); !fault.IsKind(err, fault.KindSchema) {
				t.Fatalf("expected schema error, got %v", err)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !fault.IsKind(err, fault.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
