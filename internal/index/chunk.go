package index

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minChunkLength  = 50
	chunkSize       = 1500
	chunkOverlap    = 200
	snippetMaxChars = 240
)

var replyQuotePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^On .{0,120} wrote:`),
	regexp.MustCompile(`(?m)^>{1,}\s`),
	regexp.MustCompile(`(?mi)^-+\s*Original Message\s*-+`),
	regexp.MustCompile(`(?mi)^From:\s.+\nSent:\s.+`),
	regexp.MustCompile(`(?mi)^Sent from my (iPhone|iPad|Android)`),
}

// StripQuotedReplies removes quoted reply chains and mobile footers,
// keeping only the fresh content. Falls back to the original text when
// stripping would leave too little.
func StripQuotedReplies(text string) string {
	if text == "" {
		return ""
	}
	earliest := len(text)
	for _, pattern := range replyQuotePatterns {
		if loc := pattern.FindStringIndex(text); loc != nil && loc[0] < earliest {
			earliest = loc[0]
		}
	}
	clean := strings.TrimSpace(text[:earliest])
	if len(clean) < minChunkLength && len(text) > minChunkLength {
		if len(text) > 2000 {
			clean = strings.TrimSpace(truncate(text, 2000))
		} else {
			clean = strings.TrimSpace(text)
		}
	}
	return clean
}

// truncate shortens s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// ChunkText splits a long document into overlapping chunks, preferring
// paragraph then sentence boundaries.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			// Never cut inside a multi-byte rune. The separator searches
			// below are safe as-is: their matches land on ASCII bytes.
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
			if para := strings.LastIndex(text[start+chunkSize/2:end], "\n\n"); para >= 0 {
				end = start + chunkSize/2 + para
			} else {
				for _, sep := range []string{". ", ".\n", "! ", "!\n", "? ", "?\n"} {
					if sent := strings.LastIndex(text[start+chunkSize/2:end], sep); sent >= 0 {
						end = start + chunkSize/2 + sent + 1
						break
					}
				}
			}
		}
		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(text) {
			break
		}
		start = end - chunkOverlap
		if start < 0 {
			start = 0
		}
		for start < len(text) && !utf8.RuneStart(text[start]) {
			start++
		}
	}
	return chunks
}

func buildSnippet(content string, maxLen int) string {
	content = strings.TrimSpace(content)
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	return truncate(content, maxLen) + "..."
}
