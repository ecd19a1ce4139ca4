package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
)

// Registry maps week numbers to profiles.
type Registry struct {
	byWeek map[int]Profile
}

// NewRegistry builds a registry from explicit profiles. Later entries for the
// same week replace earlier ones.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{byWeek: make(map[int]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.byWeek[p.Week] = p
	}
	return r, nil
}

// Builtin returns the default fourteen-week course table.
func Builtin() *Registry {
	r, err := NewRegistry(builtinProfiles()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the profile for week.
func (r *Registry) Lookup(week int) (Profile, error) {
	p, ok := r.byWeek[week]
	if !ok {
		return Profile{}, fault.New(fault.KindConfiguration, "LAB-PROFILE-004",
			fmt.Sprintf("no profile for week %d", week))
	}
	return p, nil
}

// Weeks returns the registered weeks in ascending order.
func (r *Registry) Weeks() []int {
	out := make([]int, 0, len(r.byWeek))
	for w := range r.byWeek {
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

// Validate re-checks every profile.
func (r *Registry) Validate() error {
	for _, w := range r.Weeks() {
		if err := r.byWeek[w].Validate(); err != nil {
			return err
		}
	}
	return nil
}

type fileFormat struct {
	Profiles []Profile `yaml:"profiles"`
}

// Parse decodes a YAML profiles document and overlays it on base. base is
// not modified.
func Parse(base *Registry, data []byte) (*Registry, error) {
	var doc fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fault.Wrap(fault.KindConfiguration, "LAB-PROFILE-005", "decode profiles", err)
	}
	merged := make([]Profile, 0, len(doc.Profiles))
	if base != nil {
		for _, w := range base.Weeks() {
			merged = append(merged, base.byWeek[w])
		}
	}
	merged = append(merged, doc.Profiles...)
	return NewRegistry(merged...)
}

// LoadFile reads a YAML profiles file and overlays it on base.
func LoadFile(base *Registry, path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "LAB-PROFILE-006", "read profiles file "+path, err)
	}
	return Parse(base, data)
}

func builtinProfiles() []Profile {
	tcp := func(week int, name string, port uint16) Profile {
		return Profile{
			Week: week, Name: name, Transport: packet.TCP,
			Port:        PortPolicy{Fixed: port},
			ReportToken: true, PayloadToken: true, Handshake: true,
		}
	}
	udp := func(week int, name string, port uint16) Profile {
		return Profile{
			Week: week, Name: name, Transport: packet.UDP,
			Port:        PortPolicy{Fixed: port},
			ReportToken: true, PayloadToken: true,
		}
	}

	w1 := Profile{Week: 1, Name: "environment and tooling", ReportToken: true}

	w2 := tcp(2, "tcp and udp sockets", 9090)
	w2.ExtraPorts = map[string]uint16{"udp_echo": 9091}

	w3 := udp(3, "broadcast, multicast and tunnelling", 5007)
	w3.MulticastGroup = "239.0.0.1"
	w3.ExtraPorts = map[string]uint16{"broadcast": 5006, "tunnel": 9092}

	w4 := tcp(4, "custom binary protocol", 5400)
	w4.CRC = &packet.CRCRule{Transport: packet.TCP, Magic: "NP", ChecksumOffset: -4, MinLength: 8}
	w4.ExtraPorts = map[string]uint16{"text": 5401, "sensor_udp": 5402}

	w5 := Profile{Week: 5, Name: "addressing and subnetting", ReportToken: true}

	w6 := tcp(6, "nat, pat and sdn", 0)
	w6.Port = PortPolicy{Min: 9000, Max: 9099, Reserved: []uint16{9000, 9050}}

	w7 := tcp(7, "packet filtering", 9090)
	w7.ExtraPorts = map[string]uint16{"udp_probe": 9091}

	w8 := tcp(8, "http server and reverse proxy", 8080)
	w8.ExtraPorts = map[string]uint16{"backend_a": 8001, "backend_b": 8002}

	w9 := tcp(9, "session and presentation layers", 0)
	w9.Port = PortPolicy{Min: 2121, Max: 2199, Reserved: []uint16{2122}}

	w10 := udp(10, "dns, ssh and ftp services", 5353)
	w10.ExtraPorts = map[string]uint16{"ssh": 2222, "ftp": 2121}

	w11 := tcp(11, "load balancing", 8080)
	w11.ExtraPorts = map[string]uint16{"backend_a": 8081, "backend_b": 8082, "backend_c": 8083}

	w12 := tcp(12, "email and rpc", 1025)
	w12.ExtraPorts = map[string]uint16{"jsonrpc": 6200, "xmlrpc": 6201}

	w13 := tcp(13, "iot and security", 1883)
	w13.ExtraPorts = map[string]uint16{"mqtt_tls": 8883}

	w14 := tcp(14, "integrated review", 0)
	w14.Port = PortPolicy{Min: 8000, Max: 8999, Reserved: []uint16{8080, 8443}}

	return []Profile{w1, w2, w3, w4, w5, w6, w7, w8, w9, w10, w11, w12, w13, w14}
}
