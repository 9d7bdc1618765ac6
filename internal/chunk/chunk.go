package chunk

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into pieces of at most limit bytes, preferring natural
// boundaries in this order: a fenced-code-block edge (keeping a block's
// closing fence in the same chunk when possible), a paragraph break, a line
// break, a word boundary, and finally a hard cut at the limit. Leading
// newlines on each following chunk are trimmed after the split.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := splitPoint(text, limit)
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func splitPoint(text string, limit int) int {
	if cut := fenceBoundary(text, limit); cut > 0 {
		return cut
	}
	if cut := strings.LastIndex(text[:limit], "\n\n"); cut > 0 {
		return cut
	}
	if cut := strings.LastIndexByte(text[:limit], '\n'); cut > 0 {
		return cut
	}
	if cut := strings.LastIndexByte(text[:limit], ' '); cut > 0 {
		return cut + 1
	}
	// Hard cut, backed up to a rune boundary.
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// fenceBoundary scans line by line within the limit and returns the best
// split around fenced code blocks: just after a line that closes a fence, or
// just before a line that opens one. Returns -1 when no fence edge fits.
func fenceBoundary(text string, limit int) int {
	best := -1
	open := false
	pos := 0
	for pos < limit && pos < len(text) {
		end := len(text)
		if nl := strings.IndexByte(text[pos:], '\n'); nl >= 0 {
			end = pos + nl + 1
		}
		line := strings.TrimRight(text[pos:end], "\n")
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if open {
				open = false
				if end <= limit && end > best {
					best = end
				}
			} else {
				open = true
				if pos > 0 && pos <= limit && pos > best {
					best = pos
				}
			}
		}
		pos = end
	}
	return best
}
