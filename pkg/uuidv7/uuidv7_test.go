package uuidv7

import (
	"errors"
	"strings"
	"testing"
)

func TestNewVersionAndVariant(t *testing.T) {
	u, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := u.Version(); got != 7 {
		t.Fatalf("version=%d", got)
	}
	b := u[:]
	if b[8]&0xc0 != 0x80 {
		t.Fatalf("variant byte=%x", b[8])
	}
}

func TestNewStringOrdering(t *testing.T) {
	a, err := NewString()
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	b, err := NewString()
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	if a == b {
		t.Fatal("ids must differ")
	}
	// Same millisecond or later: timestamp prefix never decreases.
	if strings.Compare(a[:8], b[:8]) > 0 {
		t.Fatalf("timestamp prefix decreased: %s then %s", a, b)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestNewReadError(t *testing.T) {
	orig := randReader
	randReader = failingReader{}
	defer func() { randReader = orig }()

	if _, err := New(); err == nil {
		t.Fatal("expected error")
	}
}
