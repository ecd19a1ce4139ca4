package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/antonioclim/netENwsl-sub003/cidutil"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestStore_PutGetHas(t *testing.T) {
	s := newStore(t)
	data := []byte(`{"student_id":"s1"}`)

	id, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if want := cidutil.String(data); id.String() != want {
		t.Fatalf("unexpected CID: got %s want %s", id, want)
	}
	if !s.Has(id) {
		t.Fatalf("Has = false after Put")
	}
	got, err := s.GetString(id.String())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get returned %q", got)
	}

	again, err := s.Put(data)
	if err != nil || !again.Equals(id) {
		t.Fatalf("idempotent Put: got %s, %v", again, err)
	}
}

func TestStore_Missing(t *testing.T) {
	s := newStore(t)
	id, _ := cidutil.Of([]byte("never stored"))
	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v want %v", err, ErrNotFound)
	}
	if s.Has(id) {
		t.Fatalf("Has = true for a missing object")
	}
	if _, err := s.Get(cid.Undef); !errors.Is(err, ErrInvalidCID) {
		t.Fatalf("Get undefined: got %v", err)
	}
	if _, err := s.GetString("not-a-cid"); !errors.Is(err, ErrInvalidCID) {
		t.Fatalf("GetString garbage: got %v", err)
	}
}

func TestStore_RejectMutationByOverwrite(t *testing.T) {
	s := newStore(t)
	orig := []byte("report v1")
	id, err := s.Put(orig)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Corrupt the stored object out-of-band.
	path := s.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("report v2"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := s.Get(id); !errors.Is(err, ErrCIDMismatch) {
		t.Fatalf("Get mismatch: got %v want %v", err, ErrCIDMismatch)
	}
	if _, err := s.Put(orig); !errors.Is(err, ErrImmutable) {
		t.Fatalf("Put after corruption: got %v want %v", err, ErrImmutable)
	}
}

func TestNew_RequiresRoot(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
