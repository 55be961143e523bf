package kv

import "testing"

// TestPrefixedAppliesPrefix guards against the bug this decorator is
// modeled to avoid: a prefix that is configured but never actually
// applied to keys before they reach the underlying store.
func TestPrefixedAppliesPrefix(t *testing.T) {
	inner := NewMemory()
	p := NewPrefixed("chan:", inner)

	if err := p.Set("abcd", "tuple", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := inner.Get("abcd"); err == nil {
		t.Error("unprefixed key visible on inner store; prefix was not applied")
	}
	v, err := inner.Get("chan:abcd")
	if err != nil {
		t.Fatalf("expected prefixed key on inner store, got err %v", err)
	}
	if v != "tuple" {
		t.Errorf("got %v, want %q", v, "tuple")
	}

	v, err = p.Get("abcd")
	if err != nil {
		t.Fatalf("Get through Prefixed: %v", err)
	}
	if v != "tuple" {
		t.Errorf("Get through Prefixed returned %v, want %q", v, "tuple")
	}
}

func TestPrefixedIsolatesNamespaces(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixed("a:", inner)
	b := NewPrefixed("b:", inner)

	a.Set("k", "from-a", 0)
	b.Set("k", "from-b", 0)

	v, err := a.Get("k")
	if err != nil || v != "from-a" {
		t.Errorf("a.Get(k) = %v, %v; want from-a, nil", v, err)
	}
	v, err = b.Get("k")
	if err != nil || v != "from-b" {
		t.Errorf("b.Get(k) = %v, %v; want from-b, nil", v, err)
	}
}
