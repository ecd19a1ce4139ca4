// Package config loads the optional netlab settings file.
//
// Settings are layered: Defaults, then a YAML file, then command-line flags
// applied by the caller. Example:
//
//	secret_env: NETLAB_HMAC_SECRET
//	signature_mode: practice
//	grace: 10m
//	profiles_file: profiles.yaml
//	archive_dir: /var/lib/netlab/archive
//	probe_timeout: 3s
//	course_id: netENwsl
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antonioclim/netENwsl-sub003/compliance"
	"github.com/antonioclim/netENwsl-sub003/fault"
)

const DefaultSecretEnv = "NETLAB_HMAC_SECRET"

type Settings struct {
	SecretEnv        string        `yaml:"secret_env,omitempty"`
	SignatureMode    string        `yaml:"signature_mode,omitempty"`
	RequireSignature bool          `yaml:"require_signature,omitempty"`
	Grace            time.Duration `yaml:"grace,omitempty"`
	ProfilesFile     string        `yaml:"profiles_file,omitempty"`
	ArchiveDir       string        `yaml:"archive_dir,omitempty"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout,omitempty"`
	CourseID         string        `yaml:"course_id,omitempty"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		SecretEnv:     DefaultSecretEnv,
		SignatureMode: compliance.Strict.String(),
		ProbeTimeout:  5 * time.Second,
		CourseID:      "netENwsl",
	}
}

// LoadFile overlays the YAML file at path on Defaults. Relative
// profiles_file and archive_dir values are resolved against the file's
// directory.
func LoadFile(path string) (Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fault.Wrap(fault.KindConfiguration, "LAB-CONF-001", "read settings "+path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fault.Wrap(fault.KindConfiguration, "LAB-CONF-002", "decode settings "+path, err)
	}
	dir := filepath.Dir(path)
	for _, p := range []*string{&s.ProfilesFile, &s.ArchiveDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	bad := func(msg string) error {
		return fault.New(fault.KindConfiguration, "LAB-CONF-003", "settings: "+msg)
	}
	if s.SecretEnv == "" {
		return bad("secret_env must not be empty")
	}
	if _, err := s.Mode(); err != nil {
		return err
	}
	if s.Grace < 0 {
		return bad("grace must not be negative")
	}
	if s.ProbeTimeout < 0 {
		return bad("probe_timeout must not be negative")
	}
	return nil
}

// Mode parses SignatureMode. Empty means strict.
func (s Settings) Mode() (compliance.Mode, error) {
	switch s.SignatureMode {
	case "", compliance.Strict.String():
		return compliance.Strict, nil
	case compliance.Practice.String():
		return compliance.Practice, nil
	default:
		return compliance.Strict, fault.New(fault.KindConfiguration, "LAB-CONF-003",
			fmt.Sprintf("settings: signature_mode %q is not strict or practice", s.SignatureMode))
	}
}

// Secret returns the HMAC key named by SecretEnv, or nil when unset.
func (s Settings) Secret(getenv func(string) string) []byte {
	if getenv == nil {
		getenv = os.Getenv
	}
	name := s.SecretEnv
	if name == "" {
		name = DefaultSecretEnv
	}
	if v := getenv(name); v != "" {
		return []byte(v)
	}
	return nil
}
