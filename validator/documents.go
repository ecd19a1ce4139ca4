package validator

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antonioclim/netENwsl-sub003/evidence"
)

// labDocument reports whether the verified artifact rel is a challenge or
// evidence file rather than student work. Those files carry the tokens
// verbatim and never count as a report.
func (r *run) labDocument(rel string) bool {
	abs, _, err := evidence.Resolve(r.in.BaseDir, rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	if err != nil {
		return false
	}
	for _, p := range []string{r.in.ChallengePath, r.in.EvidencePath} {
		if other, err := os.Stat(p); err == nil && os.SameFile(info, other) {
			return true
		}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return false
	}
	return isLabDocument(data, r.ch.Integrity.SHA256)
}

// isLabDocument matches any copy or re-encoding of a challenge or evidence
// file: one that quotes the challenge digest, or whose top-level mapping has
// the shape of either document.
func isLabDocument(data []byte, digest string) bool {
	if digest != "" && bytes.Contains(bytes.ToLower(data), []byte(strings.ToLower(digest))) {
		return true
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		m = nil
		if yaml.Unmarshal(data, &m) != nil {
			return false
		}
	}
	if _, ok := m["tokens"]; ok {
		return true
	}
	if _, ok := m["integrity"]; ok {
		return true
	}
	_, meta := m["meta"]
	_, artifacts := m["artifacts"]
	return meta && artifacts
}
