package udpio

import (
	"bytes"
	"context"
	"log"
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/quic/wire"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func newPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	c1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	rtx.Must(err, "Could not open first socket")
	c2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	rtx.Must(err, "Could not open second socket")
	s1, err := NewSocket(c1)
	rtx.Must(err, "Could not wrap first socket")
	s2, err := NewSocket(c2)
	rtx.Must(err, "Could not wrap second socket")
	t.Cleanup(func() { s1.Close(); s2.Close() })
	return s1, s2
}

func TestSendReceive(t *testing.T) {
	a, b := newPair(t)
	payload := []byte("quic datagram")
	rtx.Must(a.WriteTo(payload, b.LocalAddr(), wire.ECNECT0, 0), "Could not send")

	buf := make([]byte, 2048)
	b.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	d, err := b.Receive(buf)
	rtx.Must(err, "Could not receive")
	if !bytes.Equal(d.Data, payload) {
		t.Errorf("payload %q", d.Data)
	}
	if d.Remote.Port != a.LocalAddr().Port {
		t.Errorf("remote %v, want port %d", d.Remote, a.LocalAddr().Port)
	}
	if d.Timestamp.IsZero() {
		t.Error("no timestamp")
	}
}

func TestSegmentedWrite(t *testing.T) {
	a, b := newPair(t)
	payload := bytes.Repeat([]byte{0x42}, 2500)
	rtx.Must(a.WriteTo(payload, b.LocalAddr(), wire.ECNNotECT, 1000), "Could not send")

	total := 0
	sizes := []int{}
	buf := make([]byte, 2048)
	for total < len(payload) {
		b.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		d, err := b.Receive(buf)
		rtx.Must(err, "Could not receive segment")
		total += len(d.Data)
		sizes = append(sizes, len(d.Data))
	}
	if len(sizes) != 3 || sizes[0] != 1000 || sizes[2] != 500 {
		t.Errorf("segment sizes %v", sizes)
	}
}

func TestRunDeliversAndStops(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Datagram, 16)
	go b.Run(ctx, out)

	rtx.Must(a.WriteTo([]byte("one"), b.LocalAddr(), wire.ECNNotECT, 0), "Could not send")
	select {
	case d := <-out:
		if string(d.Data) != "one" {
			t.Errorf("got %q", d.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no datagram delivered")
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			// A datagram racing the shutdown is fine; the channel must
			// still close afterwards.
			if _, ok := <-out; ok {
				t.Fatal("channel not closed after cancel")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
