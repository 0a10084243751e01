package outbound

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const markerFormat = "(continued %d/%d)\n"

// Chunks is the result of splitting one reply.
type Chunks struct {
	Parts []string
	// HardSplit is set when some paragraph had to be cut mid-text.
	HardSplit bool
}

// Marker returns the continuation marker prefixed to part i of n.
func Marker(i, n int) string {
	return fmt.Sprintf(markerFormat, i, n)
}

// Split breaks text into parts of at most limit bytes. It cuts on paragraph
// boundaries first, then on line or word boundaries, and hard-splits only
// when nothing else fits. Every part after the first carries a continuation
// marker; removing the markers and concatenating the parts yields text.
func Split(text string, limit int) Chunks {
	if len(text) <= limit {
		return Chunks{Parts: []string{text}}
	}

	reserve := len(Marker(9, 9))
	var pieces []string
	var hard bool
	for {
		pieces, hard = cut(text, limit-reserve)
		need := len(Marker(len(pieces), len(pieces)))
		if need <= reserve {
			break
		}
		reserve = need
	}

	n := len(pieces)
	parts := make([]string, n)
	for i, p := range pieces {
		if i == 0 {
			parts[i] = p
			continue
		}
		parts[i] = Marker(i+1, n) + p
	}
	return Chunks{Parts: parts, HardSplit: hard}
}

func cut(text string, budget int) ([]string, bool) {
	if budget < 1 {
		budget = 1
	}
	var out []string
	hard := false
	for len(text) > budget {
		window := text[:budget]
		at := 0
		if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
			at = idx + 2
		} else {
			hard = true
			if idx := strings.LastIndex(window, "\n"); idx > budget/2 {
				at = idx + 1
			} else if idx := strings.LastIndex(window, " "); idx > budget/2 {
				at = idx + 1
			} else {
				at = runeBoundary(text, budget)
			}
		}
		out = append(out, text[:at])
		text = text[at:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out, hard
}

// runeBoundary backs off from n so that text[:n] does not end mid-rune.
func runeBoundary(text string, n int) int {
	for i := n; i > 0; i-- {
		if utf8.RuneStart(text[i]) {
			return i
		}
	}
	return n
}

// StripMarkers removes continuation markers and rejoins the parts.
func StripMarkers(parts []string) string {
	var sb strings.Builder
	for i, p := range parts {
		if i > 0 {
			p = strings.TrimPrefix(p, Marker(i+1, len(parts)))
		}
		sb.WriteString(p)
	}
	return sb.String()
}
