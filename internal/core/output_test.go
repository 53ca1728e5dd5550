package core

import (
	"testing"
	"unicode/utf8"
)

func TestCappedBufferCutsOnRuneBoundary(t *testing.T) {
	b := newCappedBuffer(4)
	if n, err := b.Write([]byte("abc中文")); err != nil || n != 9 {
		t.Fatalf("write = %d, %v", n, err)
	}
	// Writes after the cut are dropped even when they would fit.
	b.Write([]byte("x"))
	got := b.String()
	if got != "abc\n[truncated 7 bytes]" {
		t.Fatalf("got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("invalid utf-8: %q", got)
	}
}

func TestCappedBufferDropsBinaryBytes(t *testing.T) {
	b := newCappedBuffer(64)
	b.Write([]byte("ok\x00\xff\xfe done"))
	if got := b.String(); got != "ok done" {
		t.Fatalf("got %q", got)
	}
}

func TestCappedBufferRuneSplitAcrossWrites(t *testing.T) {
	b := newCappedBuffer(64)
	r := []byte("é")
	b.Write(r[:1])
	b.Write(r[1:])
	if got := b.String(); got != "é" {
		t.Fatalf("got %q", got)
	}
}
