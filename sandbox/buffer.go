package sandbox

import (
	"bytes"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/isdmx/wotbot/types"
)

// boundedBuffer keeps the first limit bytes written to it and counts the
// rest, so the truncation marker reports the real number of dropped bytes.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
	total int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += len(p)
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Text returns the captured output, marked when bytes were dropped.
func (b *boundedBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.buf.Bytes()
	if b.total <= len(kept) {
		return string(kept)
	}
	cut := len(kept)
	for i := cut - 1; i >= 0 && i >= cut-utf8.UTFMax; i-- {
		if utf8.RuneStart(kept[i]) {
			if !utf8.FullRune(kept[i:cut]) {
				cut = i
			}
			break
		}
	}
	return string(kept[:cut]) + fmt.Sprintf(types.TruncationMarker, b.total-cut)
}

// Overflowed reports whether any write was cut short.
func (b *boundedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > b.buf.Len()
}
