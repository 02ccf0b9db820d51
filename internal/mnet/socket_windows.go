//go:build windows

package mnet

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// reusePortControl on Windows: SO_REUSEPORT has no equivalent, so only
// address reuse is best-effort through the platform default; the teacher's
// own per-OS runtime.GOOS branching in server.go establishes the pattern of
// treating Windows as the degraded-capability branch.
func reusePortControl(_ string, _ string, c syscall.RawConn) error {
	return nil
}

func bindReceiver4() (*ipv4.PacketConn, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", Port))
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func bindReceiver6() (*ipv6.PacketConn, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	conn, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", Port))
	if err != nil {
		return nil, err
	}
	p := ipv6.NewPacketConn(conn)
	if err := p.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}
