// Package udpio is the datagram socket layer: sending and receiving UDP
// payloads together with their addresses, ECN bits, and receive
// timestamps.  The transport above it never touches sockets directly.
package udpio

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/m-lab/go/logx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/m-lab/quic/metrics"
	"github.com/m-lab/quic/wire"
)

var oneSecondLog = logx.NewLogEvery(nil, time.Second)

// Error types.
var (
	ErrSocketClosed = errors.New("udpio: socket closed")
)

// Datagram is one received UDP payload with its metadata.
type Datagram struct {
	Data      []byte
	Local     *net.UDPAddr
	Remote    *net.UDPAddr
	ECN       wire.ECN
	Timestamp time.Time
}

// Socket wraps a UDP socket with ECN-aware send and receive.
type Socket struct {
	conn  *net.UDPConn
	local *net.UDPAddr

	// ecnRx is true when the platform delivers TOS bytes with payloads.
	ecnRx bool
}

// NewSocket prepares a UDP socket for QUIC use, enabling ECN reporting
// where the platform supports it.
func NewSocket(conn *net.UDPConn) (*Socket, error) {
	s := &Socket{conn: conn}
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("udpio: not a UDP socket")
	}
	s.local = local
	s.ecnRx = enableECN(conn)
	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.local
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// WriteTo sends one datagram.  maxSegmentSize splits oversized buffers
// into several datagrams of at most that size, mimicking the GSO batching
// contract; zero means no splitting.
func (s *Socket) WriteTo(b []byte, remote *net.UDPAddr, ecn wire.ECN, maxSegmentSize int) error {
	oob := ecnControlMessage(ecn, remote)
	for len(b) > 0 {
		seg := b
		if maxSegmentSize > 0 && len(seg) > maxSegmentSize {
			seg = seg[:maxSegmentSize]
		}
		if _, _, err := s.conn.WriteMsgUDP(seg, oob, remote); err != nil {
			metrics.ErrorCount.With(prometheus.Labels{"type": "udp send"}).Inc()
			return err
		}
		metrics.DatagramsSent.Inc()
		b = b[len(seg):]
	}
	return nil
}

// Receive reads one datagram into buf, returning the parsed metadata.
func (s *Socket) Receive(buf []byte) (Datagram, error) {
	oob := make([]byte, 64)
	n, oobn, _, remote, err := s.conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return Datagram{}, err
	}
	d := Datagram{
		Data:      buf[:n],
		Local:     s.local,
		Remote:    remote,
		Timestamp: time.Now(),
	}
	if s.ecnRx && oobn > 0 {
		d.ECN = parseECN(oob[:oobn])
	}
	return d, nil
}

// Run reads datagrams into out until the context ends or the socket
// closes.  Each datagram gets its own buffer; the channel consumer owns it.
func (s *Socket) Run(ctx context.Context, out chan<- Datagram) {
	go func() {
		<-ctx.Done()
		s.conn.SetReadDeadline(time.Now())
	}()
	for ctx.Err() == nil {
		buf := make([]byte, 65536)
		d, err := s.Receive(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			metrics.ErrorCount.With(prometheus.Labels{"type": "udp recv"}).Inc()
			oneSecondLog.Println("receive error:", err)
			continue
		}
		out <- d
	}
	close(out)
}
