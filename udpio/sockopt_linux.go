//go:build linux

package udpio

import (
	"log"
	"net"
	"unsafe"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/m-lab/quic/wire"
)

// enableECN asks the kernel to deliver the TOS byte with every received
// datagram and forbids kernel-level fragmentation, which DPLPMTUD depends
// on.  It reports whether ECN receipt is available.
func enableECN(conn *net.UDPConn) bool {
	fd := netfd.GetFdFromConn(conn)
	ok := true
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTOS, 1); err != nil {
		log.Println("IP_RECVTOS unavailable:", err)
		ok = false
	}
	// Harmless failure on v4-only sockets.
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1)

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		log.Println("IP_MTU_DISCOVER unavailable:", err)
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
	return ok
}

// ecnControlMessage builds the control message marking outgoing datagrams
// with an ECN codepoint.  The TOS payload is a 4 byte int on Linux.
func ecnControlMessage(ecn wire.ECN, remote *net.UDPAddr) []byte {
	if ecn == wire.ECNNotECT {
		return nil
	}
	b := make([]byte, unix.CmsgSpace(4))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	if remote.IP.To4() != nil {
		h.Level = unix.IPPROTO_IP
		h.Type = unix.IP_TOS
	} else {
		h.Level = unix.IPPROTO_IPV6
		h.Type = unix.IPV6_TCLASS
	}
	h.SetLen(unix.CmsgLen(4))
	*(*int32)(unsafe.Pointer(&b[unix.CmsgLen(0)])) = int32(ecn)
	return b
}

// parseECN extracts the ECN bits from received control messages.
func parseECN(oob []byte) wire.ECN {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return wire.ECNNotECT
	}
	for _, m := range msgs {
		if (m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_TOS) ||
			(m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_TCLASS) {
			if len(m.Data) > 0 {
				return wire.ECN(m.Data[0] & 0x3)
			}
		}
	}
	return wire.ECNNotECT
}
