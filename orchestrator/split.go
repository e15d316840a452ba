package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize fits a reply chunk into one chat-app message.
const DefaultChunkSize = 1200

// Split cuts text into chunks of at most size bytes, preferring to break at
// the last newline of each chunk. size <= 0 returns text as one chunk.
func Split(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}

	var chunks []string
	rest := text
	for rest != "" {
		if len(rest) <= size {
			chunks = append(chunks, rest)
			break
		}
		cut := strings.LastIndexByte(rest[:size], '\n')
		if cut <= 0 {
			cut = size
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(rest)
			}
		}
		chunks = append(chunks, rest[:cut])
		rest = strings.TrimLeft(rest[cut:], "\n")
	}
	return chunks
}
