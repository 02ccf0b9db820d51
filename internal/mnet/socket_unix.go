//go:build !windows

package mnet

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// reusePortControl sets SO_REUSEADDR and, where available, SO_REUSEPORT so
// multiple mDNS responders can coexist on one host bound to the same
// wildcard:5353.
func reusePortControl(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
		// SO_REUSEPORT is not available on every unix (notably older
		// kernels); ignore failure here rather than aborting the bind.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
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
