// Package privacy redacts sensitive text on the write path, before it
// ever reaches the event store. It is applied to every persisted event
// body: tagged spans (XML, bracket, or HTML-comment delimited) are
// collapsed to a marker, and a configurable set of secret-like key=value
// patterns are masked, while fenced code blocks are protected from both.
package privacy

import (
	"fmt"
	"regexp"
	"strings"
)

// TagFormat is one of the three supported tagged-redaction delimiter styles.
type TagFormat string

const (
	TagFormatXML     TagFormat = "xml"
	TagFormatBracket TagFormat = "bracket"
	TagFormatComment TagFormat = "comment"
)

// tagPair is a compiled open/close delimiter pair for one TagFormat. open
// and close are matched separately (rather than as one non-greedy span
// regex) so redactTags can track nesting depth and collapse only the
// outermost pair of same-format tags.
type tagPair struct {
	format TagFormat
	open   *regexp.Regexp
	close  *regexp.Regexp
}

func compileTagPairs(formats []TagFormat) []tagPair {
	all := map[TagFormat]tagPair{
		TagFormatXML: {
			format: TagFormatXML,
			open:   regexp.MustCompile(`<private>`),
			close:  regexp.MustCompile(`</private>`),
		},
		TagFormatBracket: {
			format: TagFormatBracket,
			open:   regexp.MustCompile(`\[private\]`),
			close:  regexp.MustCompile(`\[/private\]`),
		},
		TagFormatComment: {
			format: TagFormatComment,
			open:   regexp.MustCompile(`<!--\s*private\s*-->`),
			close:  regexp.MustCompile(`<!--\s*/private\s*-->`),
		},
	}
	var pairs []tagPair
	for _, f := range formats {
		if p, ok := all[f]; ok {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// defaultPatternTokens are the key names pattern-masking scans for.
var defaultPatternTokens = []string{"password", "secret", "api_key", "apikey", "token", "bearer"}

var codeFenceRe = regexp.MustCompile("(?s)```.*?```")

// Config controls both redaction stages.
type Config struct {
	Enabled            bool
	Marker             string // default "[PRIVATE]"
	SupportedFormats   []TagFormat
	PatternTokens      []string // default token list if empty
	PreserveLineCount  bool
}

func (c Config) withDefaults() Config {
	if c.Marker == "" {
		c.Marker = "[PRIVATE]"
	}
	if len(c.SupportedFormats) == 0 {
		c.SupportedFormats = []TagFormat{TagFormatXML, TagFormatBracket, TagFormatComment}
	}
	if len(c.PatternTokens) == 0 {
		c.PatternTokens = defaultPatternTokens
	}
	return c
}

// Metadata is emitted alongside the filtered text and stored in the
// event's metadata map.
type Metadata struct {
	HasPrivateTags    bool `json:"has_private_tags"`
	PrivateTagCount   int  `json:"private_tag_count"`
	PatternMatchCount int  `json:"pattern_match_count"`
	OriginalLength    int  `json:"original_length"`
	FilteredLength    int  `json:"filtered_length"`
}

// ToMap converts Metadata to the map[string]any shape the event store's
// AppendInput.Metadata expects.
func (m Metadata) ToMap() map[string]any {
	return map[string]any{
		"has_private_tags":    m.HasPrivateTags,
		"private_tag_count":   m.PrivateTagCount,
		"pattern_match_count": m.PatternMatchCount,
		"original_length":     m.OriginalLength,
		"filtered_length":     m.FilteredLength,
	}
}

// Filter applies tagged redaction and pattern masking.
type Filter struct {
	cfg          Config
	tagPairs     []tagPair
	patternRegex *regexp.Regexp
	markerRun    *regexp.Regexp
}

// New constructs a Filter from cfg, pre-compiling its regexes.
func New(cfg Config) *Filter {
	cfg = cfg.withDefaults()
	return &Filter{
		cfg:          cfg,
		tagPairs:     compileTagPairs(cfg.SupportedFormats),
		patternRegex: compilePatternRegex(cfg.PatternTokens),
		markerRun:    regexp.MustCompile(regexp.QuoteMeta(cfg.Marker) + `(\s*` + regexp.QuoteMeta(cfg.Marker) + `)+`),
	}
}

func compilePatternRegex(tokens []string) *regexp.Regexp {
	escaped := make([]string, len(tokens))
	for i, t := range tokens {
		escaped[i] = regexp.QuoteMeta(t)
	}
	// [?token]?[:=]['"]?value['"]?: the optional brackets accommodate a
	// bracketed key like "[password]" as well as a bare one.
	pattern := fmt.Sprintf(`(?i)\[?(%s)\]?\s*[:=]\s*['"]?([^\s'"]+)['"]?`, strings.Join(escaped, "|"))
	return regexp.MustCompile(pattern)
}

// Apply runs both redaction stages over text and returns the filtered
// result plus its metadata. If cfg.Enabled is false, Apply is a no-op
// that still reports accurate length metadata.
func (f *Filter) Apply(text string) (string, Metadata) {
	meta := Metadata{OriginalLength: len(text)}
	if !f.cfg.Enabled {
		meta.FilteredLength = len(text)
		return text, meta
	}

	protected, placeholders := extractCodeFences(text)

	tagged, tagCount := f.redactTags(protected)
	meta.HasPrivateTags = tagCount > 0
	meta.PrivateTagCount = tagCount

	masked, patternCount := f.maskPatterns(tagged)
	meta.PatternMatchCount = patternCount

	collapsed := f.markerRun.ReplaceAllString(masked, f.cfg.Marker)

	restored := restoreCodeFences(collapsed, placeholders)
	meta.FilteredLength = len(restored)
	return restored, meta
}

// redactTags replaces every closed tagged span with the marker (or the
// empty string if the span's content is empty), leaving unclosed tags
// untouched. Depth tracking per format means a nested pair of the same
// format collapses as one outer span rather than two.
func (f *Filter) redactTags(text string) (string, int) {
	count := 0
	for _, pair := range f.tagPairs {
		text, count = f.redactOneFormat(text, pair, count)
	}
	return text, count
}

func (f *Filter) redactOneFormat(text string, pair tagPair, count int) (string, int) {
	var out strings.Builder
	pos := 0
	for {
		openLoc := pair.open.FindStringIndex(text[pos:])
		if openLoc == nil {
			out.WriteString(text[pos:])
			break
		}
		openStart := pos + openLoc[0]
		openEnd := pos + openLoc[1]

		// Walk forward tracking nesting depth so the outer close is found,
		// not the first (innermost) one.
		depth := 1
		cursor := openEnd
		closeStart, closeEnd := -1, -1
		for depth > 0 {
			nextOpen := pair.open.FindStringIndex(text[cursor:])
			nextClose := pair.close.FindStringIndex(text[cursor:])
			if nextClose == nil {
				// Unclosed: leave the opening tag (and everything after)
				// untouched.
				break
			}
			if nextOpen != nil && nextOpen[0] < nextClose[0] {
				depth++
				cursor += nextOpen[1]
				continue
			}
			depth--
			if depth == 0 {
				closeStart = cursor + nextClose[0]
				closeEnd = cursor + nextClose[1]
			} else {
				cursor += nextClose[1]
			}
		}

		if closeStart < 0 {
			// Unclosed tag: conservative, copy through and keep scanning
			// after this opening delimiter.
			out.WriteString(text[pos:openEnd])
			pos = openEnd
			continue
		}

		out.WriteString(text[pos:openStart])
		inner := text[openEnd:closeStart]
		count++
		if inner != "" {
			out.WriteString(f.cfg.Marker)
		}
		pos = closeEnd
	}
	return out.String(), count
}

func (f *Filter) maskPatterns(text string) (string, int) {
	count := 0
	result := f.patternRegex.ReplaceAllStringFunc(text, func(match string) string {
		count++
		return "[REDACTED]"
	})
	return result, count
}

// extractCodeFences swaps every fenced code block for a placeholder
// token so tag and pattern regexes never look inside code, returning the
// substituted text and the placeholder -> original block map.
func extractCodeFences(text string) (string, map[string]string) {
	placeholders := map[string]string{}
	i := 0
	out := codeFenceRe.ReplaceAllStringFunc(text, func(block string) string {
		token := fmt.Sprintf("\x00CODEFENCE%d\x00", i)
		placeholders[token] = block
		i++
		return token
	})
	return out, placeholders
}

func restoreCodeFences(text string, placeholders map[string]string) string {
	for token, block := range placeholders {
		text = strings.Replace(text, token, block, 1)
	}
	return text
}
