package buffer

import (
	"bytes"
	"testing"
)

func TestBuffer_WriteAndBytes(t *testing.T) {
	b := New(16)
	defer b.Release()

	_, _ = b.Write([]byte("hello "))
	_, _ = b.WriteString("world")

	if got := string(b.Bytes()); got != "hello world" {
		t.Errorf("Expected 'hello world', got %q", got)
	}
	if b.Len() != 11 {
		t.Errorf("Expected length 11, got %d", b.Len())
	}
}

func TestBuffer_ResetTrimsToHint(t *testing.T) {
	b := New(16)
	defer b.Release()

	_, _ = b.Write(bytes.Repeat([]byte("x"), 1024))
	if b.Cap() < 1024 {
		t.Fatalf("Expected capacity to grow, got %d", b.Cap())
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Expected empty buffer after reset, got %d bytes", b.Len())
	}
	if b.Cap() != 16 {
		t.Errorf("Expected capacity trimmed to 16, got %d", b.Cap())
	}
}

func TestBuffer_ResetKeepsSmallCapacity(t *testing.T) {
	b := New(64)
	defer b.Release()

	before := b.Cap()
	_, _ = b.WriteString("abc")
	b.Reset()
	if b.Cap() != before {
		t.Errorf("Expected capacity %d kept, got %d", before, b.Cap())
	}
}

func TestBuffer_Next(t *testing.T) {
	b := New(0)
	defer b.Release()

	if b.Hint() != DefaultHint {
		t.Errorf("Expected default hint %d, got %d", DefaultHint, b.Hint())
	}

	_, _ = b.WriteString("GET / HTTP/1.1\r\n")
	b.Next(4)
	if got := string(b.Bytes()); got != "/ HTTP/1.1\r\n" {
		t.Errorf("Unexpected remainder %q", got)
	}
	b.Next(100)
	if b.Len() != 0 {
		t.Errorf("Expected buffer drained, got %d", b.Len())
	}
}

func TestBuffer_Detach(t *testing.T) {
	b := New(8)
	defer b.Release()

	if b.Detach() != nil {
		t.Error("Expected nil from empty detach")
	}
	_, _ = b.WriteString("payload")
	out := b.Detach()
	_, _ = b.WriteString("other")
	if string(out) != "payload" {
		t.Errorf("Expected detached copy to survive reuse, got %q", out)
	}
}

func TestBuffer_NextKeepsBackingArray(t *testing.T) {
	b := New(64)
	defer b.Release()

	_, _ = b.WriteString("0123456789")
	start := &b.Bytes()[0]
	for i := 1; i < 10; i++ {
		b.Next(1)
		if got := b.Bytes(); len(got) != 10-i || got[0] != byte('0'+i) {
			t.Fatalf("After %d Next calls got %q", i, got)
		}
	}
	if &b.Bytes()[0] == start {
		t.Error("Expected Next to advance past consumed bytes")
	}
	b.Next(1)
	if b.Len() != 0 {
		t.Errorf("Expected buffer drained, got %d bytes", b.Len())
	}
}

func TestBuffer_WriteAfterNext(t *testing.T) {
	tests := []struct {
		name     string
		consume  int
		appended string
		want     string
	}{
		{"fits in spare capacity", 4, "ab", "456789ab"},
		{"compacts instead of growing", 8, "abcdefgh", "89abcdefgh"},
		{"grows past capacity", 2, "abcdefghij", "23456789abcdefghij"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(16)
			defer b.Release()
			b.bb.B = make([]byte, 0, 16)

			_, _ = b.WriteString("0123456789")
			b.Next(tt.consume)
			_, _ = b.WriteString(tt.appended)
			if got := string(b.Bytes()); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
			if b.Len() != len(tt.want) {
				t.Errorf("Expected length %d, got %d", len(tt.want), b.Len())
			}
		})
	}
}

func TestBuffer_ResetClearsOffset(t *testing.T) {
	b := New(16)
	defer b.Release()

	_, _ = b.WriteString("abcdef")
	b.Next(3)
	b.Reset()
	_, _ = b.WriteString("xy")
	if got := string(b.Bytes()); got != "xy" {
		t.Errorf("Expected %q after reset, got %q", "xy", got)
	}
	_, _ = b.WriteString("123")
	b.Next(1)
	if out := b.Detach(); string(out) != "y123" {
		t.Errorf("Expected detached unread bytes, got %q", out)
	}
}
