//go:build !linux

package udpio

import (
	"net"

	"github.com/m-lab/quic/wire"
)

// enableECN is a no-op off Linux; datagrams arrive without ECN metadata.
func enableECN(conn *net.UDPConn) bool {
	return false
}

func ecnControlMessage(ecn wire.ECN, remote *net.UDPAddr) []byte {
	return nil
}

func parseECN(oob []byte) wire.ECN {
	return wire.ECNNotECT
}
