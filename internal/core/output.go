package core

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultOutputLimit caps each captured stream.
const DefaultOutputLimit = 1 << 20

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
// The cut never splits a multi-byte character.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	full    bool
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		c.dropped += int64(len(p))
		return len(p), nil
	}
	room := c.limit - c.buf.Len()
	if room >= len(p) {
		return c.buf.Write(p)
	}
	cut := max(room, 0)
	for cut > 0 && !utf8.RuneStart(p[cut]) {
		cut--
	}
	c.buf.Write(p[:cut])
	c.full = true
	c.dropped += int64(len(p) - cut)
	return len(p), nil
}

// String returns the captured text as valid UTF-8 without NUL bytes, which
// text columns reject.
func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := sanitizeOutput(c.buf.String())
	if c.dropped == 0 {
		return out
	}
	return out + fmt.Sprintf("\n[truncated %d bytes]", c.dropped)
}

func sanitizeOutput(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}
