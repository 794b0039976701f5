package canonicalkey

import (
	"strings"
	"testing"
)

func TestCanonicalDeterministic(t *testing.T) {
	s := "Hello,   World! This is Go."
	if Canonical(s, nil) != Canonical(s, nil) {
		t.Fatal("canonical key is not deterministic")
	}
}

func TestCanonicalNormalizesCase(t *testing.T) {
	if Canonical("Rate Limiting", nil) != Canonical("rate limiting", nil) {
		t.Fatal("expected case-insensitive canonical keys")
	}
}

func TestCanonicalStripsPunctuation(t *testing.T) {
	got := Canonical("how do I implement rate-limiting?!", nil)
	if strings.ContainsAny(got, "?!-") {
		t.Fatalf("expected punctuation stripped, got %q", got)
	}
}

func TestCanonicalCollapsesWhitespace(t *testing.T) {
	got := Canonical("too    many     spaces", nil)
	if strings.Contains(got, "  ") {
		t.Fatalf("expected collapsed whitespace, got %q", got)
	}
}

func TestCanonicalProjectPrefix(t *testing.T) {
	got := Canonical("hello", &Context{Project: "myproj"})
	if !strings.HasPrefix(got, "myproj::") {
		t.Fatalf("expected project prefix, got %q", got)
	}
}

func TestCanonicalNFKDEquivalence(t *testing.T) {
	// "ﬁle" (ligature) vs "file" (decomposed) should canonicalize the same
	// way once compatibility-decomposed and re-composed under NFKC.
	ligature := "ﬁle" // "ﬁle"
	decomposed := "file"
	if Canonical(ligature, nil) != Canonical(decomposed, nil) {
		t.Fatalf("expected NFKC-equivalent forms to produce the same key: %q vs %q",
			Canonical(ligature, nil), Canonical(decomposed, nil))
	}
}

func TestCanonicalTruncatesLongKeys(t *testing.T) {
	long := strings.Repeat("a ", 200)
	got := Canonical(long, nil)
	if len(got) > maxKeyBytes {
		t.Fatalf("expected key <= %d bytes, got %d", maxKeyBytes, len(got))
	}
	if !strings.Contains(got, "_") {
		t.Fatalf("expected MD5 suffix marker in truncated key: %q", got)
	}
}

func TestDedupeKeyPartitionsBySession(t *testing.T) {
	a := DedupeKey("same content", "session-1")
	b := DedupeKey("same content", "session-2")
	if a == b {
		t.Fatal("expected dedupe keys to differ across sessions")
	}
}

func TestDedupeKeyStableForSameInput(t *testing.T) {
	a := DedupeKey("hello", "s1")
	b := DedupeKey("hello", "s1")
	if a != b {
		t.Fatal("expected stable dedupe key for identical input")
	}
}
