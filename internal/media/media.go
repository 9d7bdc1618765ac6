// Package media implements the inline-media protocol: a sentinel token
// followed by an absolute file path anywhere in relayed text marks a local
// file for native upload instead of literal text.
package media

import (
	"path/filepath"
	"strings"
	"unicode"
)

// Sentinel marks an inline file reference, e.g. "MEDIA:/tmp/chart.png".
const Sentinel = "MEDIA:"

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// IsImage reports whether the path should upload as a native image rather
// than a generic file, judged by extension.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// Extract pulls every sentinel-marked absolute path out of text and returns
// the remaining text with the tokens stripped. Sentinels not followed by an
// absolute path are left in place.
func Extract(text string) (clean string, paths []string) {
	var b strings.Builder
	rest := text
	for {
		i := strings.Index(rest, Sentinel)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		after := rest[i+len(Sentinel):]
		if !strings.HasPrefix(after, "/") {
			b.WriteString(rest[:i+len(Sentinel)])
			rest = after
			continue
		}
		path := after
		if end := strings.IndexFunc(after, unicode.IsSpace); end >= 0 {
			path = after[:end]
		}
		b.WriteString(rest[:i])
		paths = append(paths, path)
		rest = after[len(path):]
	}
	return strings.TrimSpace(b.String()), paths
}
