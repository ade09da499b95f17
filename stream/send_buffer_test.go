package stream

import (
	"bytes"
	"testing"
)

func TestSendBufferFreshData(t *testing.T) {
	var b SendBuffer
	b.Append([]byte("hello world"))
	b.SetFin()

	offset, data, fin, fresh := b.NextRange(6, 1<<20)
	if offset != 0 || string(data) != "hello " || fin || fresh != 6 {
		t.Fatalf("got offset %d %q fin %v fresh %d", offset, data, fin, fresh)
	}
	offset, data, fin, fresh = b.NextRange(100, 1<<20)
	if offset != 6 || string(data) != "world" || !fin || fresh != 5 {
		t.Fatalf("got offset %d %q fin %v fresh %d", offset, data, fin, fresh)
	}
	// Nothing left.
	if _, data, fin, _ := b.NextRange(100, 1<<20); len(data) != 0 || fin {
		t.Fatal("spurious extra range")
	}

	b.OnAck(0, 6, false)
	b.OnAck(6, 5, true)
	if !b.AllAcked() {
		t.Error("not all acked")
	}
	if b.Buffered() != 0 {
		t.Errorf("buffer holds %d bytes after full ack", b.Buffered())
	}
}

func TestSendBufferFlowControlCredit(t *testing.T) {
	var b SendBuffer
	b.Append(bytes.Repeat([]byte{'x'}, 100))
	_, data, _, fresh := b.NextRange(1000, 30)
	if len(data) != 30 || fresh != 30 {
		t.Fatalf("credit ignored: %d bytes", len(data))
	}
	// No credit: nothing fresh.
	if _, data, _, _ := b.NextRange(1000, 0); len(data) != 0 {
		t.Fatal("sent without credit")
	}
}

func TestSendBufferRetransmission(t *testing.T) {
	var b SendBuffer
	b.Append([]byte("abcdefghij"))
	b.NextRange(10, 1<<20) // send everything

	// The middle range is lost.
	b.OnLost(3, 4, false)
	offset, data, _, fresh := b.NextRange(100, 0)
	if offset != 3 || string(data) != "defg" || fresh != 0 {
		t.Fatalf("retransmit offset %d %q fresh %d", offset, data, fresh)
	}
	// A range acked before its loss is detected is not retransmitted.
	b.OnAck(0, 3, false)
	b.OnAck(7, 3, false)
	b.OnLost(0, 10, false)
	offset, data, _, _ = b.NextRange(100, 0)
	if offset != 3 || string(data) != "defg" {
		t.Fatalf("re-retransmit offset %d %q", offset, data)
	}
}

func TestSendBufferFinOnlyRetransmission(t *testing.T) {
	var b SendBuffer
	b.Append([]byte("ab"))
	b.SetFin()
	_, _, fin, _ := b.NextRange(10, 10)
	if !fin {
		t.Fatal("fin not sent")
	}
	b.OnAck(0, 2, false) // data acked, fin not
	b.OnLost(0, 2, true) // the packet carrying FIN was lost
	offset, data, fin, _ := b.NextRange(10, 10)
	if !fin || offset != 2 || len(data) != 0 {
		t.Fatalf("fin-only retransmit: offset %d len %d fin %v", offset, len(data), fin)
	}
	b.OnAck(2, 0, true)
	if !b.AllAcked() {
		t.Error("not all acked after fin ack")
	}
}

func TestSendBufferNeverDuplicatesOffsets(t *testing.T) {
	var b SendBuffer
	b.Append(bytes.Repeat([]byte{'y'}, 50))
	seen := map[uint64]bool{}
	for {
		offset, data, _, _ := b.NextRange(7, 1<<20)
		if len(data) == 0 {
			break
		}
		for i := range data {
			o := offset + uint64(i)
			if seen[o] {
				t.Fatalf("offset %d sent twice", o)
			}
			seen[o] = true
		}
	}
	if len(seen) != 50 {
		t.Errorf("sent %d distinct bytes, want 50", len(seen))
	}
}
