package challenge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a challenge from a JSON or YAML file (chosen by extension).
func Load(path string) (*Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.Wrap(fault.KindConfiguration, "LAB-CHAL-010", "challenge file not found: "+path, err)
		}
		return nil, fault.Wrap(fault.KindConfiguration, "LAB-CHAL-010", "read challenge "+path, err)
	}
	return Parse(data, path)
}

// Parse decodes and schema-checks a challenge document. name selects the
// format and appears in error messages.
func Parse(data []byte, name string) (*Challenge, error) {
	raw, err := decodeDocument(data, isYAML(name))
	if err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-CHAL-011", "decode challenge "+name, err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-CHAL-011", "decode challenge "+name, err)
	}
	var c Challenge
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-CHAL-012", "challenge "+name+" has invalid field types", err)
	}
	c.raw = raw
	if err := c.checkSchema(); err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-CHAL-013", "challenge "+name+" schema", err)
	}
	return &c, nil
}

func decodeDocument(data []byte, asYAML bool) (map[string]any, error) {
	var raw map[string]any
	if asYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		floatLiterals(raw)
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, errors.New("trailing data after document")
		}
	}
	if raw == nil {
		return nil, errors.New("document is not an object")
	}
	return raw, nil
}

// floatLiterals replaces YAML floats with number literals that keep their
// fraction, so 1.0 hashes the same as it does in a JSON document.
func floatLiterals(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, el := range x {
			x[k] = floatLiterals(el)
		}
	case []any:
		for i, el := range x {
			x[i] = floatLiterals(el)
		}
	case float64:
		if !math.IsInf(x, 0) && !math.IsNaN(x) {
			return json.Number(codec.FormatFloat(x))
		}
	}
	return v
}

func (c *Challenge) checkSchema() error {
	for _, k := range []string{"schema_version", "student_id", "week", "issued_at", "ttl_seconds", "tokens", integrityKey} {
		if _, ok := c.raw[k]; !ok {
			return fmt.Errorf("missing field %q", k)
		}
	}
	switch {
	case c.SchemaVersion != SchemaVersion:
		return fmt.Errorf("unsupported schema_version %d", c.SchemaVersion)
	case c.StudentID == "":
		return errors.New("student_id is empty")
	case c.Week <= 0:
		return errors.New("week must be positive")
	case c.IssuedAt.IsZero():
		return errors.New("issued_at is empty")
	case c.TTLSeconds <= 0:
		return errors.New("ttl_seconds must be positive")
	case c.Tokens.ReportToken == "" && c.Tokens.PayloadToken == "":
		return errors.New("at least one token is required")
	}
	if c.Tokens.PayloadToken != "" {
		if _, err := packet.ParseTransport(string(c.Network.PayloadTransport)); err != nil {
			return fmt.Errorf("network.payload_transport: %w", err)
		}
		if c.Network.PayloadPort == 0 {
			return errors.New("network.payload_port is required with a payload token")
		}
	}
	return nil
}

// Save writes the challenge as indented JSON, or YAML for .yaml/.yml paths.
func (c *Challenge) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fault.Wrap(fault.KindInternal, "LAB-CHAL-014", "encode challenge", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.Wrap(fault.KindConfiguration, "LAB-CHAL-015", "create "+dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fault.Wrap(fault.KindConfiguration, "LAB-CHAL-015", "write challenge "+path, err)
	}
	return nil
}
