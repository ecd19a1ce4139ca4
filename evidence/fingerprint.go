package evidence

import (
	"crypto/sha256"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/fault"
)

const fingerprintInfo = "netlab/env-fingerprint/v1"

// Descriptors are coarse, non-identifying facts about the machine the lab
// ran on.
type Descriptors map[string]string

// Names returns the descriptor names in sorted order.
func (d Descriptors) Names() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Detect gathers descriptors using getenv and stat, which default to the
// os package functions.
func Detect(getenv func(string) string, stat func(string) (os.FileInfo, error)) Descriptors {
	if getenv == nil {
		getenv = os.Getenv
	}
	if stat == nil {
		stat = os.Stat
	}
	container := "none"
	switch {
	case getenv("container") != "":
		container = getenv("container")
	case exists(stat, "/.dockerenv"):
		container = "docker"
	case exists(stat, "/run/.containerenv"):
		container = "podman"
	}
	wsl := getenv("WSL_DISTRO_NAME") != "" || getenv("WSL_INTEROP") != ""
	family := runtime.GOOS
	if wsl {
		family += "-wsl"
	}
	return Descriptors{
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
		"cpus":          strconv.Itoa(runtime.NumCPU()),
		"container":     strings.ToLower(container),
		"wsl":           strconv.FormatBool(wsl),
		"kernel_family": family,
	}
}

func exists(stat func(string) (os.FileInfo, error), p string) bool {
	_, err := stat(p)
	return err == nil
}

// FingerprintSalt derives a per-challenge HMAC key from the challenge
// integrity digest and id, so fingerprints cannot be compared across
// challenges.
func FingerprintSalt(integrity, challengeID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(integrity), []byte(challengeID), []byte(fingerprintInfo))
	salt := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "LAB-EVID-030", "derive fingerprint salt", err)
	}
	return salt, nil
}

// Fingerprint returns the salted HMAC of the canonical descriptors. It is a
// weak binding signal, not proof of identity.
func Fingerprint(salt []byte, d Descriptors) (string, error) {
	canon, err := codec.Canonicalize(map[string]string(d))
	if err != nil {
		return "", err
	}
	return codec.HMACSHA256Hex(salt, canon), nil
}
