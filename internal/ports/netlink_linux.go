package ports

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Constants from linux headers.
const (
	// Netlink family for socket diagnostics.
	NETLINK_SOCK_DIAG = 4

	// Message type: request sockets by family.
	SOCK_DIAG_BY_FAMILY = 20

	// Protocol
	IPPROTO_TCP = 6

	// TCP socket state from include/net/tcp_states.h in the Linux kernel.
	TCP_LISTEN = 10

	// inet_diag_req_v2 idiag_states bitmask
	TCPF_LISTEN = 1 << TCP_LISTEN
)

// inet_diag_req_v2 structure (from linux/inet_diag.h).
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// listenersNetlink dumps the TCP LISTEN sockets straight from the kernel via
// the sock-diag netlink interface. It errors when netlink is not accessible,
// in which case the auditor falls back to dialing the expected ports.
func listenersNetlink() ([]netip.AddrPort, error) {
	fours, err := sockDiagDump(unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("dump socket table for ipv4: %w", err)
	}
	sixs, err := sockDiagDump(unix.AF_INET6)
	if err != nil {
		return nil, fmt.Errorf("dump socket table for ipv6: %w", err)
	}
	return append(fours, sixs...), nil
}

func sockDiagDump(family uint8) ([]netip.AddrPort, error) {
	iplen := 4
	if family == unix.AF_INET6 {
		iplen = 16
	}

	c, err := netlink.Dial(NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	// inet_diag_req_v2 with a zeroed socket ID matches every LISTEN socket
	req := inetDiagReqV2{
		Family:   family,
		Protocol: IPPROTO_TCP,
		States:   TCPF_LISTEN,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal req: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  SOCK_DIAG_BY_FAMILY,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done {
			continue
		}
		// the fixed inet_diag_msg head is 72 bytes, we only need the
		// source port and address from the socket ID
		if len(m.Data) < 8+iplen {
			continue
		}
		sport := binary.BigEndian.Uint16(m.Data[4:6])
		ip := net.IP(m.Data[8 : 8+iplen])
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return nil, fmt.Errorf("invalid IP %s", ip.String())
		}
		ret = append(ret, netip.AddrPortFrom(addr, sport))
	}
	return ret, nil
}
