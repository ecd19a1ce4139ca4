// Package profile describes what each laboratory week expects from a
// submission: which tokens are issued, where the payload token must travel,
// and which structural checks the capture has to satisfy.
//
// Profiles are plain values. A Registry is built once (built-ins, optionally
// overlaid by a YAML file) and passed explicitly to the issuer and validator.
package profile

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"path"
	"strings"
	"time"

	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
)

const (
	DefaultTTL   = 72 * time.Hour
	DefaultGrace = 5 * time.Minute
)

// PortPolicy selects the payload port recorded in a challenge. A non-zero
// Fixed wins; otherwise a port is drawn from [Min, Max] minus Reserved.
type PortPolicy struct {
	Fixed    uint16   `yaml:"fixed,omitempty"`
	Min      uint16   `yaml:"min,omitempty"`
	Max      uint16   `yaml:"max,omitempty"`
	Reserved []uint16 `yaml:"reserved,omitempty"`
}

func (p PortPolicy) reserved(port uint16) bool {
	for _, r := range p.Reserved {
		if r == port {
			return true
		}
	}
	return false
}

// candidates lists the eligible ports of a range policy in ascending order.
func (p PortPolicy) candidates() []uint16 {
	var out []uint16
	for port := int(p.Min); port <= int(p.Max); port++ {
		if port == 0 || p.reserved(uint16(port)) {
			continue
		}
		out = append(out, uint16(port))
	}
	return out
}

// Pick returns the fixed port or a uniformly random eligible one read from
// rnd (crypto/rand when nil).
func (p PortPolicy) Pick(rnd io.Reader) (uint16, error) {
	if p.Fixed != 0 {
		return p.Fixed, nil
	}
	if p.Min == 0 && p.Max == 0 {
		return 0, nil
	}
	ports := p.candidates()
	if len(ports) == 0 {
		return 0, fault.New(fault.KindConfiguration, "LAB-PROFILE-001",
			fmt.Sprintf("port range %d-%d has no eligible port", p.Min, p.Max))
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	n, err := rand.Int(rnd, big.NewInt(int64(len(ports))))
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, "LAB-PROFILE-002", "read random port", err)
	}
	return ports[n.Int64()], nil
}

func (p PortPolicy) String() string {
	switch {
	case p.Fixed != 0:
		return fmt.Sprintf("%d", p.Fixed)
	case p.Min == 0 && p.Max == 0:
		return "none"
	case len(p.Reserved) > 0:
		return fmt.Sprintf("%d-%d (excluding %v)", p.Min, p.Max, p.Reserved)
	default:
		return fmt.Sprintf("%d-%d", p.Min, p.Max)
	}
}

// Profile is the per-week configuration of the pipeline.
type Profile struct {
	Week           int               `yaml:"week"`
	Name           string            `yaml:"name"`
	Course         string            `yaml:"course,omitempty"`
	Transport      packet.Transport  `yaml:"transport"`
	Port           PortPolicy        `yaml:"port"`
	ExtraPorts     map[string]uint16 `yaml:"extra_ports,omitempty"`
	MulticastGroup string            `yaml:"multicast_group,omitempty"`

	ReportToken  bool `yaml:"report_token"`
	PayloadToken bool `yaml:"payload_token"`

	TTL   time.Duration `yaml:"ttl,omitempty"`
	Grace time.Duration `yaml:"grace,omitempty"`

	Handshake bool            `yaml:"handshake,omitempty"`
	CRC       *packet.CRCRule `yaml:"crc,omitempty"`

	ReportExtensions  []string `yaml:"report_extensions,omitempty"`
	CaptureExtensions []string `yaml:"capture_extensions,omitempty"`
}

var (
	defaultReportExt  = []string{".md", ".txt", ".log", ".json", ".yaml", ".yml", ".csv"}
	defaultCaptureExt = []string{".pcap", ".pcapng", ".cap"}
)

// EffectiveTTL returns the profile TTL or DefaultTTL.
func (p Profile) EffectiveTTL() time.Duration {
	if p.TTL > 0 {
		return p.TTL
	}
	return DefaultTTL
}

// EffectiveGrace returns the profile grace or DefaultGrace.
func (p Profile) EffectiveGrace() time.Duration {
	if p.Grace > 0 {
		return p.Grace
	}
	return DefaultGrace
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// IsReport reports whether an artifact path is report text for this week.
func (p Profile) IsReport(name string) bool {
	exts := p.ReportExtensions
	if len(exts) == 0 {
		exts = defaultReportExt
	}
	return hasExt(name, exts)
}

// IsCapture reports whether an artifact path is a packet capture.
func (p Profile) IsCapture(name string) bool {
	exts := p.CaptureExtensions
	if len(exts) == 0 {
		exts = defaultCaptureExt
	}
	return hasExt(name, exts)
}

// Validate checks the profile for internal consistency.
func (p Profile) Validate() error {
	bad := func(msg string) error {
		return fault.New(fault.KindConfiguration, "LAB-PROFILE-003",
			fmt.Sprintf("profile week %d: %s", p.Week, msg))
	}
	if p.Week <= 0 {
		return bad("week must be positive")
	}
	if !p.ReportToken && !p.PayloadToken {
		return bad("at least one token must be enabled")
	}
	if p.PayloadToken || p.Handshake || p.CRC != nil {
		if _, err := packet.ParseTransport(string(p.Transport)); err != nil {
			return bad(err.Error())
		}
	}
	if p.Port.Fixed == 0 && p.Port.Min > p.Port.Max {
		return bad(fmt.Sprintf("port range %d-%d is inverted", p.Port.Min, p.Port.Max))
	}
	if p.PayloadToken && p.Port.Fixed == 0 && p.Port.Max == 0 {
		return bad("payload token requires a port policy")
	}
	if p.Handshake && p.Transport != packet.TCP {
		return bad("handshake check requires tcp")
	}
	if p.CRC != nil && p.CRC.MinLength < 0 {
		return bad("crc min_length must not be negative")
	}
	if p.TTL < 0 || p.Grace < 0 {
		return bad("ttl and grace must not be negative")
	}
	return nil
}
