package retrieval

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Chunk splits text into pieces of at most size characters, breaking on
// whitespace. Consecutive chunks share roughly overlap trailing characters.
// A single word longer than size becomes its own chunk.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end := start
		length := 0
		for end < len(words) {
			wl := utf8.RuneCountInString(words[end])
			if end > start {
				wl++
			}
			if length+wl > size && end > start {
				break
			}
			length += wl
			end++
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end >= len(words) {
			break
		}

		// Step back over trailing words that fit in the overlap window.
		next := end
		back := 0
		for next-1 > start {
			wl := utf8.RuneCountInString(words[next-1]) + 1
			if back+wl > overlap {
				break
			}
			back += wl
			next--
		}
		start = next
	}
	return chunks
}
