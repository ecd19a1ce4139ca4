package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/antonioclim/netENwsl-sub003/capture/capturetest"
	"github.com/antonioclim/netENwsl-sub003/challenge"
	"github.com/antonioclim/netENwsl-sub003/validator"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_Usage(t *testing.T) {
	if code, _, _ := runCLI(t); code != exitUsage {
		t.Fatalf("no args: exit %d", code)
	}
	if code, _, errOut := runCLI(t, "frobnicate"); code != exitUsage || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("unknown command: exit %d %q", code, errOut)
	}
	if code, out, _ := runCLI(t, "help"); code != exitOK || !strings.Contains(out, "netlab validate") {
		t.Fatalf("help: exit %d", code)
	}
	if code, _, _ := runCLI(t, "validate", "--challenge", "c.json"); code != exitUsage {
		t.Fatalf("validate without evidence: exit %d", code)
	}
	if code, _, _ := runCLI(t, "validate", "--challenge", "c", "--evidence", "e", "--base-dir", ".", "--allow-unsigned", "--require-signature"); code != exitUsage {
		t.Fatalf("conflicting signature flags: exit %d", code)
	}
	if code, _, _ := runCLI(t, "challenge", "issue", "--week", "2"); code != exitUsage {
		t.Fatalf("issue without student: exit %d", code)
	}
}

func TestRun_IssueCollectValidate(t *testing.T) {
	t.Setenv("NETLAB_HMAC_SECRET", "course-secret")
	dir := t.TempDir()
	chPath := filepath.Join(dir, "challenge.json")
	base := filepath.Join(dir, "submission")
	evPath := filepath.Join(dir, "evidence.json")

	code, out, errOut := runCLI(t, "challenge", "issue", "--student", "ana.pop", "--week", "2", "--sign", "--out", chPath)
	if code != exitOK {
		t.Fatalf("issue: exit %d: %s", code, errOut)
	}
	if !strings.HasPrefix(out, chPath+"\tb") {
		t.Fatalf("issue output %q", out)
	}
	ch, err := challenge.Load(chPath)
	if err != nil {
		t.Fatal(err)
	}

	code, out, _ = runCLI(t, "challenge", "cid", "--challenge", chPath)
	if want, _ := ch.CID(); code != exitOK || strings.TrimSpace(out) != want {
		t.Fatalf("cid: exit %d %q want %q", code, out, want)
	}
	if code, out, errOut = runCLI(t, "challenge", "verify", "--challenge", chPath); code != exitOK || !strings.HasPrefix(out, "OK: signature verified") {
		t.Fatalf("verify: exit %d %q %s", code, out, errOut)
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "report.md"), []byte("token "+ch.Tokens.ReportToken+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	port := ch.Network.PayloadPort
	segs := append(capturetest.Handshake("10.0.0.1", 40000, "10.0.0.2", port),
		capturetest.TCP("10.0.0.1", 40000, "10.0.0.2", port, []byte(ch.Tokens.PayloadToken)))
	capturetest.WritePcapNG(t, base, "lab.pcapng", layers.LinkTypeEthernet, capturetest.EthernetFrames(t, segs...)...)

	code, _, errOut = runCLI(t, "evidence", "collect", "--challenge", chPath, "--base-dir", base,
		"--artifact", "report.md", "--artifact", "lab.pcapng", "--out", evPath)
	if code != exitOK {
		t.Fatalf("collect: exit %d: %s", code, errOut)
	}

	code, out, errOut = runCLI(t, "validate", "--challenge", chPath, "--evidence", evPath, "--base-dir", base, "--json",
		"--archive", filepath.Join(dir, "archive"))
	if code != exitOK {
		t.Fatalf("validate: exit %d\n%s\n%s", code, out, errOut)
	}
	var rep validator.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, out)
	}
	if !rep.AllPassed || rep.Outcome != validator.OutcomePass || len(rep.ArchivedCIDs) != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}

	code, out, _ = runCLI(t, "capture", "inspect", filepath.Join(base, "lab.pcapng"), "--token", ch.Tokens.PayloadToken, "--transport", "tcp")
	if code != exitOK || !strings.Contains(out, "(pcapng)") || !strings.Contains(out, "frame #4") {
		t.Fatalf("inspect: exit %d\n%s", code, out)
	}

	// A different secret rejects the challenge.
	t.Setenv("NETLAB_HMAC_SECRET", "wrong")
	code, out, _ = runCLI(t, "validate", "--challenge", chPath, "--evidence", evPath, "--base-dir", base)
	if code != 4 || !strings.Contains(out, "FAIL (challenge_rejected)") {
		t.Fatalf("wrong key: exit %d\n%s", code, out)
	}
}

func TestRun_ValidateExitCodes(t *testing.T) {
	t.Setenv("NETLAB_HMAC_SECRET", "")
	dir := t.TempDir()
	chPath := filepath.Join(dir, "challenge.json")
	if code, _, errOut := runCLI(t, "challenge", "issue", "--student", "s1", "--week", "1", "--out", chPath); code != exitOK {
		t.Fatalf("issue: %s", errOut)
	}

	// Unsigned challenge, no key, strict by default.
	code, out, _ := runCLI(t, "validate", "--challenge", chPath, "--evidence", filepath.Join(dir, "none.json"), "--base-dir", dir)
	if code != 4 {
		t.Fatalf("strict unsigned: exit %d\n%s", code, out)
	}
	// Practice mode gets as far as the evidence.
	code, out, _ = runCLI(t, "validate", "--challenge", chPath, "--evidence", filepath.Join(dir, "none.json"), "--base-dir", dir, "--allow-unsigned")
	if code != 3 || !strings.Contains(out, "FAIL (evidence_missing)") {
		t.Fatalf("missing evidence: exit %d\n%s", code, out)
	}
	// Required signature without a key is a setup error.
	code, _, _ = runCLI(t, "validate", "--challenge", chPath, "--evidence", filepath.Join(dir, "none.json"), "--base-dir", dir, "--require-signature")
	if code != exitSetup {
		t.Fatalf("required signature: exit %d", code)
	}
	// Signing without a key.
	if code, _, _ := runCLI(t, "challenge", "issue", "--student", "s1", "--week", "1", "--sign"); code != exitSetup {
		t.Fatalf("sign without key: exit %d", code)
	}
}

func TestRun_CaptureInspectBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pcap")
	if err := os.WriteFile(path, []byte("garbage!"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, errOut := runCLI(t, "capture", "inspect", path)
	if code != exitSetup || !strings.Contains(errOut, "x.pcap") {
		t.Fatalf("exit %d %q", code, errOut)
	}
}

func TestRun_SettingsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "netlab.yaml")
	if err := os.WriteFile(cfg, []byte("secret_env: LAB_KEY\ncourse_id: demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LAB_KEY", "k")
	code, out, errOut := runCLI(t, "challenge", "issue", "--config", cfg, "--student", "s1", "--week", "5", "--sign")
	if code != exitOK {
		t.Fatalf("issue: exit %d %s", code, errOut)
	}
	var ch challenge.Challenge
	if err := json.Unmarshal([]byte(out), &ch); err != nil {
		t.Fatal(err)
	}
	if ch.CourseID != "demo" || ch.Integrity.Signature == "" {
		t.Fatalf("settings not applied: %+v", ch)
	}
}
