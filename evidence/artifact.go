package evidence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/fault"
)

// Resolve maps an artifact path (relative to base, or absolute) to an
// absolute path under base. Paths that leave base, lexically or through a
// symlink, are configuration errors.
func Resolve(base, p string) (abs, rel string, err error) {
	root, err := filepath.Abs(base)
	if err != nil {
		return "", "", fault.Wrap(fault.KindConfiguration, "LAB-EVID-002", "resolve base dir "+base, err)
	}
	abs = filepath.FromSlash(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, ok := within(root, abs)
	if !ok {
		return "", "", escapes(p, base)
	}
	// A missing file stays lexical; HashFile reports it.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			realRoot = root
		}
		if _, ok := within(realRoot, real); !ok {
			return "", "", escapes(p, base)
		}
	}
	return abs, rel, nil
}

// within returns p relative to root in slash form, and false when p is
// not under root.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func escapes(p, base string) error {
	return fault.New(fault.KindConfiguration, "LAB-EVID-002",
		fmt.Sprintf("artifact %q is outside base dir %s", p, base))
}

// HashFile streams path through SHA-256.
func HashFile(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fault.Wrap(fault.KindArtifactMissing, "LAB-EVID-001", "artifact not found: "+path, err)
		}
		return Artifact{}, fault.Wrap(fault.KindArtifactMissing, "LAB-EVID-001", "open artifact "+path, err)
	}
	defer f.Close()
	sum, n, err := codec.SHA256Reader(f)
	if err != nil {
		return Artifact{}, fault.Wrap(fault.KindArtifactMissing, "LAB-EVID-001", "read artifact "+path, err)
	}
	return Artifact{SHA256: sum, SizeBytes: n}, nil
}

// Verify recomputes the hash and size of a recorded artifact under base.
func Verify(base string, a Artifact) error {
	abs, _, err := Resolve(base, a.Path)
	if err != nil {
		return err
	}
	got, err := HashFile(abs)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got.SHA256, a.SHA256) {
		return fault.New(fault.KindHashMismatch, "LAB-EVID-003",
			fmt.Sprintf("sha256 mismatch for %s: recorded %s, on disk %s", a.Path, short(a.SHA256), short(got.SHA256)))
	}
	if a.SizeBytes != got.SizeBytes {
		return fault.New(fault.KindHashMismatch, "LAB-EVID-004",
			fmt.Sprintf("size mismatch for %s: recorded %d, on disk %d", a.Path, a.SizeBytes, got.SizeBytes))
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12] + "…"
	}
	return h
}

// expand resolves paths to the sorted, de-duplicated set of regular files
// they name. Directories are walked in lexical order.
func expand(base string, paths []string) (map[string]string, []string, error) {
	files := make(map[string]string)
	for _, p := range paths {
		abs, rel, err := Resolve(base, p)
		if err != nil {
			return nil, nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, nil, fault.Wrap(fault.KindArtifactMissing, "LAB-EVID-001", "artifact not found: "+p, err)
		}
		if !info.IsDir() {
			if info.Mode().IsRegular() {
				files[rel] = abs
			}
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			_, r, err := Resolve(base, path)
			if err != nil {
				return err
			}
			files[r] = path
			return nil
		})
		if err != nil {
			return nil, nil, fault.Wrap(fault.KindArtifactMissing, "LAB-EVID-001", "walk "+p, err)
		}
	}
	order := make([]string, 0, len(files))
	for rel := range files {
		order = append(order, rel)
	}
	sort.Strings(order)
	return files, order, nil
}
