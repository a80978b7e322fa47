package bytequeue_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/basinlabs/stream/bytequeue"
)

func TestReadAfterWritePreservesOrder(t *testing.T) {
	var q bytequeue.Queue
	q.Write([]byte("hello, "))
	q.Write([]byte("world"))
	if got := q.Read(5); string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if got := q.Read(100); string(got) != ", world" {
		t.Fatalf("got %q, want %q", got, ", world")
	}
	if !q.Empty() {
		t.Fatalf("queue should be empty, has %d bytes", q.Len())
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	var q bytequeue.Queue
	q.Write([]byte("abcdef"))
	if got := q.Peek(3); string(got) != "abc" {
		t.Fatalf("peek got %q", got)
	}
	if q.Len() != 6 {
		t.Fatalf("peek should not consume, len=%d", q.Len())
	}
	if got := q.Read(3); string(got) != "abc" {
		t.Fatalf("read got %q", got)
	}
}

func TestRandomChunking(t *testing.T) {
	want := make([]byte, 1<<20)
	if _, err := rand.Read(want); err != nil {
		t.Fatal(err)
	}
	var q bytequeue.Queue
	var got bytes.Buffer
	rem := want
	for len(rem) > 0 || got.Len() < len(want) {
		if len(rem) > 0 && rand.Intn(2) == 0 {
			n := 1 + rand.Intn(len(rem))
			q.Write(rem[:n])
			rem = rem[n:]
			continue
		}
		n := 1 + rand.Intn(4096)
		b := q.Read(n)
		if len(b) == 0 && len(rem) == 0 {
			break
		}
		got.Write(b)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatal("round trip mismatch")
	}
}

func TestIndexByte(t *testing.T) {
	var q bytequeue.Queue
	q.Write([]byte("abc"))
	q.Read(1)
	q.Write([]byte("de\nfg"))
	if idx := q.IndexByte('\n'); idx != 4 {
		t.Fatalf("IndexByte = %d, want 4", idx)
	}
}
