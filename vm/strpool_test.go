package vm

import (
	"errors"
	"fmt"
	"testing"
)

func TestPoolInternsIdenticalText(t *testing.T) {
	p := NewStringPool(0)
	a, err := p.Insert("hello")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	b, _ := p.Insert("hello")
	if a != b {
		t.Errorf("keys differ for identical text: %d vs %d", a, b)
	}
	c, _ := p.Insert("world")
	if c == a {
		t.Errorf("distinct text shares key %d", a)
	}
	if got, ok := p.Lookup(a); !ok || got != "hello" {
		t.Errorf("Lookup(%d) = %q, %v; want hello", a, got, ok)
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}

func TestPoolChainsPages(t *testing.T) {
	p := NewStringPool(0)
	keys := make(map[string]uint16)
	for i := 0; i < 1000; i++ {
		s := fmt.Sprintf("name%d", i)
		k, err := p.Insert(s)
		if err != nil {
			t.Fatalf("Insert(%q): %v", s, err)
		}
		keys[s] = k
	}
	if p.Pages() < 4 {
		t.Errorf("Pages() = %d, want at least 4 for 1000 strings", p.Pages())
	}
	for s, k := range keys {
		if got, _ := p.Lookup(k); got != s {
			t.Errorf("Lookup(%d) = %q, want %q", k, got, s)
		}
		if again, _ := p.Insert(s); again != k {
			t.Errorf("key for %q moved from %d to %d", s, k, again)
		}
		if found, ok := p.Find(s); !ok || found != k {
			t.Errorf("Find(%q) = %d, %v; want %d", s, found, ok, k)
		}
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewStringPool(1)
	for i := 0; i < PoolPageSize; i++ {
		if _, err := p.Insert(fmt.Sprintf("s%d", i)); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}
	_, err := p.Insert("one more")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("got %v, want ErrPoolExhausted", err)
	}
}

func TestInternThrowsOnExhaustion(t *testing.T) {
	c := New(WithMaxStringPages(1), WithoutBuiltins())
	err := c.Protect(func() {
		for i := 0; i < 2*PoolPageSize; i++ {
			c.Intern(fmt.Sprintf("id%d", i))
		}
	})
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("got %v, want *Error", err)
	}
	if e.Kind != KindResource || e.Message != "insufficient memory" {
		t.Errorf("got %v %q, want ResourceError insufficient memory", e.Kind, e.Message)
	}
}

func TestPoolHashMatchesELF(t *testing.T) {
	// Reference values of the classic ELF hash.
	tests := []struct {
		s    string
		want uint32
	}{
		{"", 0},
		{"a", 0x61},
		{"ab", 0x672},
	}
	for _, tt := range tests {
		if got := poolHash(tt.s); got != tt.want {
			t.Errorf("poolHash(%q) = %#x, want %#x", tt.s, got, tt.want)
		}
	}
}
