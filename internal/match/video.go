package match

import (
	"fmt"
	"regexp"
	"strconv"
)

var vimeoIDPattern = regexp.MustCompile(`(?:player\.)?vimeo\.com/(?:video/)?(\d+)`)

// PlayerURL converts a Vimeo page or player URL into an embeddable player
// URL with chrome disabled and, when startSeconds >= 0, a start fragment.
// Non-Vimeo URLs are returned with only the time fragment appended, or
// unchanged when startSeconds < 0.
func PlayerURL(rawURL string, startSeconds float64) string {
	if rawURL == "" {
		return ""
	}

	if m := vimeoIDPattern.FindStringSubmatch(rawURL); m != nil {
		u := fmt.Sprintf("https://player.vimeo.com/video/%s?autoplay=0&title=0&byline=0&portrait=0", m[1])
		if startSeconds >= 0 {
			u += "#t=" + formatSeconds(startSeconds) + "s"
		}
		return u
	}

	if startSeconds >= 0 {
		return rawURL + "#t=" + formatSeconds(startSeconds)
	}
	return rawURL
}

// VideoLink derives the stored video URL for a knowledge entry. Entries
// without any link yield an empty string.
func VideoLink(meta KnowledgeMeta) string {
	link := meta.SourceLink()
	if link == "" {
		return ""
	}
	start := -1.0
	if meta.HasTimestamp {
		start = meta.TimestampStart
	}
	return PlayerURL(link, start)
}

// formatSeconds truncates the offset to whole seconds.
func formatSeconds(s float64) string {
	return strconv.FormatInt(int64(s), 10)
}
