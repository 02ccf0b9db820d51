// Package mnet implements the multicast transport: one receiver socket per
// IP family, a sender entry per local (interface, address) pair, interface
// group membership, and send fan-out across every sender. Senders are not
// separate sockets: each send goes out through the family's receiver
// socket, with the outgoing interface chosen by a control message, and no
// multicast-loopback option is set.
package mnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/lumenlocal/mdnsd/internal/ifacemon"
	"github.com/lumenlocal/mdnsd/internal/mlog"
)

const (
	// Port is the mDNS well-known UDP port (RFC 6762 §3).
	Port = 5353
)

var (
	groupV4 = &net.UDPAddr{IP: net.ParseIP("224.0.0.251"), Port: Port}
	groupV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: Port}
)

// Datagram is one inbound packet, tagged with where it arrived.
type Datagram struct {
	Bytes    []byte
	Remote   *net.UDPAddr
	IfIndex  int
	IsIPv6   bool
}

// Config selects which IP families the transport binds.
type Config struct {
	UseIPv4 bool
	UseIPv6 bool
	// PollInterval is stored but not read by Transport; the interface
	// watcher's cadence is set by ifacemon.New.
	PollInterval time.Duration
}

type sender struct {
	addr  net.IP
	iface net.Interface
}

// Transport owns every multicast socket used by the responder/browser. It
// is the sole owner: dropping it (Close) closes every socket it opened.
type Transport struct {
	cfg Config
	log *mlog.Logger

	recv4 *ipv4.PacketConn
	recv6 *ipv6.PacketConn

	mu      sync.Mutex
	senders map[string]sender // key: iface.Name+"|"+addr.String()

	incoming chan Datagram

	group errgroup.Group
	stop  context.CancelFunc
}

// New binds receivers for the enabled families and returns a Transport with
// no senders yet; Start (or ApplyChange) populates senders from the
// interface set.
func New(cfg Config, log *mlog.Logger) (*Transport, error) {
	if log == nil {
		log = mlog.New(nil, "mnet")
	}
	t := &Transport{
		cfg:      cfg,
		log:      log,
		senders:  make(map[string]sender),
		incoming: make(chan Datagram, 64),
	}

	var err4, err6 error
	if cfg.UseIPv4 {
		t.recv4, err4 = bindReceiver4()
	}
	if cfg.UseIPv6 {
		t.recv6, err6 = bindReceiver6()
	}
	if (cfg.UseIPv4 || cfg.UseIPv6) && t.recv4 == nil && t.recv6 == nil {
		return nil, fmt.Errorf("mnet: no usable receiver: ipv4: %v, ipv6: %v", err4, err6)
	}
	if cfg.UseIPv4 && err4 != nil {
		log.Warnf("ipv4 receiver unavailable: %v", err4)
	}
	if cfg.UseIPv6 && err6 != nil {
		log.Warnf("ipv6 receiver unavailable: %v", err6)
	}
	return t, nil
}

// Start joins the multicast group on every currently usable interface and
// launches the receive loops. It returns once that initial join pass has
// completed; Watch keeps membership in sync with later interface changes.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.stop = cancel

	cands, err := ifacemon.ListUsable()
	if err != nil {
		return fmt.Errorf("mnet: listing interfaces: %w", err)
	}
	t.ApplyChange(ifacemon.Change{Added: cands, Current: cands})

	if t.recv4 != nil {
		t.group.Go(func() error { t.recvLoop4(ctx); return nil })
	}
	if t.recv6 != nil {
		t.group.Go(func() error { t.recvLoop6(ctx); return nil })
	}
	return nil
}

// Watch consumes a single shared interface-change feed and keeps
// sender/group membership in sync with the live interface set until
// changes is closed or ctx is done. The feed is owned by the caller (see
// mdnsd.engine.start) so it can be fanned out to other consumers, such as
// the network_interface_discovered event, without polling twice.
func (t *Transport) Watch(ctx context.Context, changes <-chan ifacemon.Change) {
	t.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ch, ok := <-changes:
				if !ok {
					return nil
				}
				t.ApplyChange(ch)
			}
		}
	})
}

// ApplyChange adds senders/joins for new addresses and drops senders for
// departed ones. Concurrent sends during this window may silently miss the
// departed sender but must never panic.
func (t *Transport) ApplyChange(ch ifacemon.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range ch.Added {
		key := senderKey(c)
		if _, ok := t.senders[key]; ok {
			continue
		}
		if err := t.joinGroup(c); err != nil {
			t.log.Warnf("join group on %s/%s failed: %v", c.Iface.Name, c.Addr, err)
			continue
		}
		t.senders[key] = sender{addr: c.Addr, iface: c.Iface}
	}
	for _, c := range ch.Removed {
		delete(t.senders, senderKey(c))
	}
}

func senderKey(c ifacemon.Candidate) string {
	return c.Iface.Name + "|" + c.Addr.String()
}

func (t *Transport) joinGroup(c ifacemon.Candidate) error {
	if c.Addr.To4() != nil {
		if t.recv4 == nil {
			return nil
		}
		return t.recv4.JoinGroup(&c.Iface, groupV4)
	}
	if t.recv6 == nil {
		return nil
	}
	return t.recv6.JoinGroup(&c.Iface, groupV6)
}

// Send transmits buf from every sender to the family-appropriate multicast
// group. Per-sender failures are logged and swallowed: one bad NIC must
// never stop the others.
func (t *Transport) Send(buf []byte) {
	t.mu.Lock()
	senders := make([]sender, 0, len(t.senders))
	for _, s := range t.senders {
		senders = append(senders, s)
	}
	t.mu.Unlock()

	for _, s := range senders {
		if s.addr.To4() != nil {
			if t.recv4 == nil {
				continue
			}
			cm := &ipv4.ControlMessage{IfIndex: s.iface.Index}
			if _, err := t.recv4.WriteTo(buf, cm, groupV4); err != nil {
				t.log.Warnf("send on %s failed: %v", s.iface.Name, err)
			}
		} else {
			if t.recv6 == nil {
				continue
			}
			cm := &ipv6.ControlMessage{IfIndex: s.iface.Index}
			if _, err := t.recv6.WriteTo(buf, cm, groupV6); err != nil {
				t.log.Warnf("send on %s failed: %v", s.iface.Name, err)
			}
		}
	}
}

// SendUnicast replies to dst on the interface the query was observed on:
// unicast replies go out from the same interface the original query
// arrived on, to the original source endpoint.
func (t *Transport) SendUnicast(buf []byte, ifIndex int, dst *net.UDPAddr) error {
	if dst.IP.To4() != nil {
		if t.recv4 == nil {
			return fmt.Errorf("mnet: no ipv4 receiver for unicast reply")
		}
		var cm *ipv4.ControlMessage
		if ifIndex != 0 {
			cm = &ipv4.ControlMessage{IfIndex: ifIndex}
		}
		_, err := t.recv4.WriteTo(buf, cm, dst)
		return err
	}
	if t.recv6 == nil {
		return fmt.Errorf("mnet: no ipv6 receiver for unicast reply")
	}
	var cm *ipv6.ControlMessage
	if ifIndex != 0 {
		cm = &ipv6.ControlMessage{IfIndex: ifIndex}
	}
	_, err := t.recv6.WriteTo(buf, cm, dst)
	return err
}

// Receive returns the channel datagrams are posted to.
func (t *Transport) Receive() <-chan Datagram { return t.incoming }

func (t *Transport) recvLoop4(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		n, cm, from, err := t.recv4.ReadFrom(buf)
		if err != nil {
			// Socket closure is the cancellation signal.
			return
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		t.post(Datagram{Bytes: out, Remote: udp, IfIndex: ifIndex, IsIPv6: false}, ctx)
	}
}

func (t *Transport) recvLoop6(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		n, cm, from, err := t.recv6.ReadFrom(buf)
		if err != nil {
			return
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		t.post(Datagram{Bytes: out, Remote: udp, IfIndex: ifIndex, IsIPv6: true}, ctx)
	}
}

func (t *Transport) post(d Datagram, ctx context.Context) {
	select {
	case t.incoming <- d:
	case <-ctx.Done():
	}
}

// Close closes every socket this transport owns and waits for the receive
// loops to observe the closure and exit.
func (t *Transport) Close() error {
	if t.stop != nil {
		t.stop()
	}
	var err error
	if t.recv4 != nil {
		if e := t.recv4.Close(); e != nil {
			err = e
		}
	}
	if t.recv6 != nil {
		if e := t.recv6.Close(); e != nil {
			err = e
		}
	}
	_ = t.group.Wait()
	return err
}
