package kv

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()

	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got err %v, want ErrNotFound", err)
	}

	if err := m.Set("k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := m.Get("k")
	if err != nil {
		t.Fatalf("Get after Set: %v", err)
	}
	if v != "v" {
		t.Errorf("Get returned %v, want %q", v, "v")
	}
}

func TestMemoryAddReplace(t *testing.T) {
	m := NewMemory()

	ok, err := m.Add("k", "first", 0)
	if err != nil || !ok {
		t.Fatalf("Add on absent key: ok=%v err=%v, want true/nil", ok, err)
	}
	ok, err = m.Add("k", "second", 0)
	if err != nil || ok {
		t.Fatalf("Add on present key: ok=%v err=%v, want false/nil", ok, err)
	}
	v, _ := m.Get("k")
	if v != "first" {
		t.Errorf("Add on present key overwrote value: got %v", v)
	}

	ok, err = m.Replace("missing", "x", 0)
	if err != nil || ok {
		t.Fatalf("Replace on absent key: ok=%v err=%v, want false/nil", ok, err)
	}
	ok, err = m.Replace("k", "second", 0)
	if err != nil || !ok {
		t.Fatalf("Replace on present key: ok=%v err=%v, want true/nil", ok, err)
	}
	v, _ = m.Get("k")
	if v != "second" {
		t.Errorf("Replace did not overwrite: got %v", v)
	}
}

func TestMemoryIncr(t *testing.T) {
	m := NewMemory()

	if _, err := m.Incr("counter"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Incr on absent key: got %v, want ErrNotFound", err)
	}

	if err := m.Set("counter", "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	n, err := m.Incr("counter")
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 2 {
		t.Errorf("Incr returned %d, want 2", n)
	}

	if err := m.Set("nonnumeric", "abc", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Incr("nonnumeric"); !errors.Is(err, errNonNumeric) {
		t.Fatalf("Incr on non-numeric value: got %v, want errNonNumeric", err)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	m := NewMemory()

	if err := m.Delete("never-existed"); err != nil {
		t.Fatalf("Delete on absent key should be nil, got %v", err)
	}

	m.Set("k", "v", 0)
	if err := m.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
	}
}
