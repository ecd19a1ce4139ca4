// Package evidence records what a student submits alongside a challenge:
// hashed artifacts, a salted environment fingerprint and the output of a few
// allow-listed diagnostic commands.
package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antonioclim/netENwsl-sub003/fault"
)

const (
	SchemaVersion = 1
	Tool          = "netlab"
)

type Meta struct {
	SchemaVersion int       `json:"schema_version"`
	StudentID     string    `json:"student_id"`
	CourseID      string    `json:"course_id,omitempty"`
	Week          int       `json:"week"`
	ChallengeID   string    `json:"challenge_id,omitempty"`
	ChallengeCID  string    `json:"challenge_cid,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
	Tool          string    `json:"tool"`
}

// Artifact is one submitted file. Path is relative to the submission base
// directory and always uses '/' separators.
type Artifact struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

type Environment struct {
	FingerprintHash string   `json:"fingerprint_hash"`
	Descriptors     []string `json:"descriptors"`
}

// Probe is the recorded outcome of one diagnostic command.
type Probe struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
}

type Evidence struct {
	Meta        Meta        `json:"meta"`
	Artifacts   []Artifact  `json:"artifacts"`
	Environment Environment `json:"environment"`
	Probes      []Probe     `json:"probes,omitempty"`
}

// Write stores e as indented JSON.
func (e *Evidence) Write(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, "LAB-EVID-020", "encode evidence", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.Wrap(fault.KindConfiguration, "LAB-EVID-021", "create "+dir, err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fault.Wrap(fault.KindConfiguration, "LAB-EVID-021", "write evidence "+path, err)
	}
	return nil
}

// Load reads and schema-checks an evidence file. A missing file is a
// KindEvidenceMissing error.
func Load(path string) (*Evidence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.Wrap(fault.KindEvidenceMissing, "LAB-EVID-010", "evidence file not found: "+path, err)
		}
		return nil, fault.Wrap(fault.KindEvidenceMissing, "LAB-EVID-010", "read evidence "+path, err)
	}
	return Parse(data, path)
}

// Parse decodes an evidence document; name is used in error messages.
func Parse(data []byte, name string) (*Evidence, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-EVID-011", "decode evidence "+name, err)
	}
	for _, k := range []string{"meta", "artifacts"} {
		if _, ok := probe[k]; !ok {
			return nil, fault.New(fault.KindSchema, "LAB-EVID-012", fmt.Sprintf("evidence %s: missing field %q", name, k))
		}
	}
	var e Evidence
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&e); err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-EVID-011", "decode evidence "+name, err)
	}
	if err := e.checkSchema(); err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-EVID-012", "evidence "+name, err)
	}
	return &e, nil
}

func (e *Evidence) checkSchema() error {
	switch {
	case e.Meta.SchemaVersion != SchemaVersion:
		return fmt.Errorf("unsupported schema_version %d", e.Meta.SchemaVersion)
	case e.Meta.StudentID == "":
		return errors.New("meta.student_id is empty")
	case e.Meta.Week <= 0:
		return errors.New("meta.week must be positive")
	}
	seen := make(map[string]bool, len(e.Artifacts))
	for i, a := range e.Artifacts {
		if a.Path == "" || a.SHA256 == "" {
			return fmt.Errorf("artifacts[%d]: path and sha256 are required", i)
		}
		if seen[a.Path] {
			return fmt.Errorf("artifacts[%d]: duplicate path %q", i, a.Path)
		}
		seen[a.Path] = true
	}
	return nil
}
