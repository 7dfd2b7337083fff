// Package content turns fetched pages into bounded candidate phrases for
// embedding. Chunking is pure and deterministic: the same input always
// yields the same phrases in the same order.
package content

import (
	"net/url"
	"regexp"
	"strings"
)

// CanonicalURL normalizes a page URL for use as a stable key: query and
// fragment are dropped and a trailing slash is trimmed from non-root paths.
// Unparseable input is returned unchanged.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// ChunkConfig bounds the phrases produced from a page.
type ChunkConfig struct {
	// MinLength and MaxLength bound phrase length in bytes. Phrases
	// outside the bounds are dropped, not truncated.
	MinLength int
	MaxLength int

	// Limit caps phrases per page. Zero means no cap.
	Limit int
}

// DefaultChunkConfig returns the standard phrase bounds.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MinLength: 30, MaxLength: 150, Limit: 50}
}

// Block is a structural unit extracted from a page: a heading or a run of
// body text. Headings are matched whole; body text is split into sentences.
type Block struct {
	Text    string
	Heading bool
}

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([.,!?;:])`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// Normalize collapses whitespace runs and removes stray spaces before
// punctuation left behind by HTML extraction.
func Normalize(s string) string {
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// SplitSentences splits text at sentence terminators (. ! ?) followed by
// whitespace. The terminator stays with its sentence. Trailing text without
// a terminator is returned as a final sentence.
func SplitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !isSpace(runes[i+1]) {
			continue
		}
		s := strings.TrimSpace(string(runes[start : i+1]))
		if s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// Summarize returns the first n sentences of text joined by a space.
// Used to derive the display phrase for a stored match.
func Summarize(text string, n int) string {
	sentences := SplitSentences(Normalize(text))
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	return strings.Join(sentences, " ")
}

// ChunkText splits free text into deduplicated phrases within the configured
// length bounds, preserving document order.
func ChunkText(text string, cfg ChunkConfig) []string {
	return collect(SplitSentences(Normalize(text)), cfg)
}

// ChunkBlocks chunks structured page blocks. Heading blocks are kept whole;
// body blocks are sentence-split. Length bounds, dedupe and the page limit
// apply across the whole page.
func ChunkBlocks(blocks []Block, cfg ChunkConfig) []string {
	var candidates []string
	for _, b := range blocks {
		text := Normalize(b.Text)
		if text == "" {
			continue
		}
		if b.Heading {
			candidates = append(candidates, text)
			continue
		}
		candidates = append(candidates, SplitSentences(text)...)
	}
	return collect(candidates, cfg)
}

func collect(candidates []string, cfg ChunkConfig) []string {
	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, c := range candidates {
		if len(c) < cfg.MinLength || len(c) > cfg.MaxLength {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
		if cfg.Limit > 0 && len(out) >= cfg.Limit {
			break
		}
	}
	return out
}
