package privacy

import "testing"

func TestApplyRedactsXMLTagAndMasksPattern(t *testing.T) {
	f := New(Config{Enabled: true})
	input := "before <private>sk-xxx</private> after\n[password]=\"p1\""

	got, meta := f.Apply(input)

	want := "before [PRIVATE] after\n[REDACTED]"
	if got != want {
		t.Errorf("Apply() = %q, want %q", got, want)
	}
	if !meta.HasPrivateTags {
		t.Errorf("meta.HasPrivateTags = false, want true")
	}
	if meta.PrivateTagCount != 1 {
		t.Errorf("meta.PrivateTagCount = %d, want 1", meta.PrivateTagCount)
	}
	if meta.PatternMatchCount != 1 {
		t.Errorf("meta.PatternMatchCount = %d, want 1", meta.PatternMatchCount)
	}
}

func TestApplyBracketAndCommentFormats(t *testing.T) {
	f := New(Config{Enabled: true})

	got, meta := f.Apply("x [private]secret value[/private] y")
	if got != "x [PRIVATE] y" {
		t.Errorf("bracket format: Apply() = %q", got)
	}
	if meta.PrivateTagCount != 1 {
		t.Errorf("bracket format: tag count = %d, want 1", meta.PrivateTagCount)
	}

	got, meta = f.Apply("x <!-- private -->hidden<!-- /private --> y")
	if got != "x [PRIVATE] y" {
		t.Errorf("comment format: Apply() = %q", got)
	}
	if meta.PrivateTagCount != 1 {
		t.Errorf("comment format: tag count = %d, want 1", meta.PrivateTagCount)
	}
}

func TestApplyLeavesUnclosedTagsUntouched(t *testing.T) {
	f := New(Config{Enabled: true})
	input := "before <private>never closed"

	got, meta := f.Apply(input)
	if got != input {
		t.Errorf("Apply() = %q, want input unchanged for unclosed tag", got)
	}
	if meta.PrivateTagCount != 0 {
		t.Errorf("meta.PrivateTagCount = %d, want 0 for unclosed tag", meta.PrivateTagCount)
	}
}

func TestApplyCollapsesEmptyTagToEmptyString(t *testing.T) {
	f := New(Config{Enabled: true})
	got, meta := f.Apply("before <private></private> after")
	if got != "before  after" {
		t.Errorf("Apply() = %q, want empty tag collapsed entirely", got)
	}
	if meta.PrivateTagCount != 1 {
		t.Errorf("meta.PrivateTagCount = %d, want 1", meta.PrivateTagCount)
	}
}

func TestApplyMatchesOnlyOuterPairOfNestedTags(t *testing.T) {
	f := New(Config{Enabled: true})
	got, meta := f.Apply("a <private>outer <private>inner</private> tail</private> b")
	if got != "a [PRIVATE] b" {
		t.Errorf("Apply() = %q, want one collapsed outer span", got)
	}
	if meta.PrivateTagCount != 1 {
		t.Errorf("meta.PrivateTagCount = %d, want 1 (outer pair only)", meta.PrivateTagCount)
	}
}

func TestApplyCollapsesConsecutiveMarkers(t *testing.T) {
	f := New(Config{Enabled: true})
	got, _ := f.Apply("<private>a</private> <private>b</private>")
	if got != "[PRIVATE]" {
		t.Errorf("Apply() = %q, want consecutive markers collapsed to one", got)
	}
}

func TestApplyProtectsCodeFences(t *testing.T) {
	f := New(Config{Enabled: true})
	input := "before ```<private>literal</private>``` after"

	got, _ := f.Apply(input)
	if got != input {
		t.Errorf("Apply() = %q, want code fence contents left byte-identical", got)
	}
}

func TestApplyDisabledIsNoOp(t *testing.T) {
	f := New(Config{Enabled: false})
	input := "password=\"secret\" <private>x</private>"
	got, meta := f.Apply(input)
	if got != input {
		t.Errorf("Apply() with Enabled=false should not modify text")
	}
	if meta.OriginalLength != len(input) || meta.FilteredLength != len(input) {
		t.Errorf("meta lengths incorrect when disabled: %+v", meta)
	}
}
