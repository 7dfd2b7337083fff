package content

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "collapses whitespace runs",
			in:   "physical  therapy\n\thelps recovery",
			want: "physical therapy helps recovery",
		},
		{
			name: "removes space before punctuation",
			in:   "stretch daily , then rest . Done !",
			want: "stretch daily, then rest. Done!",
		},
		{
			name: "trims",
			in:   "  plain  ",
			want: "plain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/page?utm=x#section", "https://example.com/page"},
		{"https://example.com/page/", "https://example.com/page"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com/a/b", "https://example.com/a/b"},
	}
	for _, tt := range tests {
		if got := CanonicalURL(tt.in); got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "terminators followed by space",
			in:   "First sentence. Second one! Third?",
			want: []string{"First sentence.", "Second one!", "Third?"},
		},
		{
			name: "decimal points are not boundaries",
			in:   "Take 2.5 grams daily. Then rest.",
			want: []string{"Take 2.5 grams daily.", "Then rest."},
		},
		{
			name: "trailing text without terminator",
			in:   "Complete sentence. and a fragment",
			want: []string{"Complete sentence.", "and a fragment"},
		},
		{
			name: "empty input",
			in:   "   ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitSentences(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitSentences(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize("One is here and long. Two is also here. Three.", 1)
	if got != "One is here and long." {
		t.Errorf("Summarize() = %q", got)
	}
	got = Summarize("Only one sentence here", 3)
	if got != "Only one sentence here" {
		t.Errorf("Summarize() short input = %q", got)
	}
}

func TestChunkText(t *testing.T) {
	cfg := ChunkConfig{MinLength: 30, MaxLength: 150, Limit: 50}

	t.Run("length bounds", func(t *testing.T) {
		short := "Too short."
		okLen := "This sentence is comfortably inside the length bounds."
		long := strings.Repeat("very long sentence body ", 10) + "end."
		got := ChunkText(short+" "+okLen+" "+long, cfg)
		want := []string{okLen}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ChunkText() = %v, want %v", got, want)
		}
	})

	t.Run("dedupes preserving first occurrence order", func(t *testing.T) {
		a := "Alpha sentence with enough length to pass."
		b := "Beta sentence with enough length to pass."
		got := ChunkText(strings.Join([]string{a, b, a}, " "), cfg)
		want := []string{a, b}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ChunkText() = %v, want %v", got, want)
		}
	})

	t.Run("applies page limit", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 60; i++ {
			fmt.Fprintf(&sb, "Unique sentence number %02d padded for minimum length. ", i)
		}
		got := ChunkText(sb.String(), cfg)
		if len(got) != 50 {
			t.Errorf("len = %d, want 50", len(got))
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		in := "Repeatable input sentence that is long enough. Another repeatable sentence follows here."
		if !reflect.DeepEqual(ChunkText(in, cfg), ChunkText(in, cfg)) {
			t.Error("ChunkText() not deterministic")
		}
	})
}

func TestChunkBlocks(t *testing.T) {
	cfg := ChunkConfig{MinLength: 30, MaxLength: 150, Limit: 50}

	t.Run("headings kept whole", func(t *testing.T) {
		heading := "Recovery after knee surgery. A complete guide"
		blocks := []Block{{Text: heading, Heading: true}}
		got := ChunkBlocks(blocks, cfg)
		want := []string{heading}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ChunkBlocks() = %v, want %v", got, want)
		}
	})

	t.Run("body blocks sentence split", func(t *testing.T) {
		a := "First body sentence long enough to keep."
		b := "Second body sentence long enough to keep."
		blocks := []Block{{Text: a + " " + b}}
		got := ChunkBlocks(blocks, cfg)
		want := []string{a, b}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ChunkBlocks() = %v, want %v", got, want)
		}
	})

	t.Run("dedupe across blocks", func(t *testing.T) {
		s := "Shared sentence repeated across two blocks."
		blocks := []Block{{Text: s}, {Text: s}}
		got := ChunkBlocks(blocks, cfg)
		if len(got) != 1 {
			t.Errorf("len = %d, want 1", len(got))
		}
	})

	t.Run("normalizes extraction artifacts", func(t *testing.T) {
		blocks := []Block{{Text: "Stretch gently every morning ,\n then apply ice ."}}
		got := ChunkBlocks(blocks, cfg)
		want := []string{"Stretch gently every morning, then apply ice."}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ChunkBlocks() = %v, want %v", got, want)
		}
	})
}
