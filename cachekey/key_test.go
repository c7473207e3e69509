package cachekey

import "testing"

func TestDeriveStrongETag(t *testing.T) {
	k := Derive(`"abc"`)
	if k.Value != "abc" {
		t.Fatalf("Value = %q", k.Value)
	}
	if k.Weak {
		t.Fatal("expected strong ETag")
	}
}

func TestDeriveWeakETag(t *testing.T) {
	k := Derive(`W/"xyz"`)
	if k.Value != "xyz" {
		t.Fatalf("Value = %q", k.Value)
	}
	if !k.Weak {
		t.Fatal("expected weak ETag")
	}
}

func TestDeriveWeakETagCaseInsensitivePrefix(t *testing.T) {
	k := Derive(`w/"xyz"`)
	if !k.Weak || k.Value != "xyz" {
		t.Fatalf("Value = %q Weak = %v", k.Value, k.Weak)
	}
}

func TestDeriveTrimsWhitespaceAndQuotesFromEnds(t *testing.T) {
	k := Derive(" \t'\"abc\"'\t ")
	if k.Value != "abc" {
		t.Fatalf("Value = %q", k.Value)
	}
}

func TestDeriveEmptyIsInvalid(t *testing.T) {
	if k := Derive(`   `); k.Value != "" {
		t.Fatalf("expected empty Value, got %q", k.Value)
	}
}

func TestDeriveRejectsPathSeparator(t *testing.T) {
	if k := Derive(`"a/b"`); k.Value != "" {
		t.Fatalf("expected empty Value for unsafe ETag, got %q", k.Value)
	}
}
