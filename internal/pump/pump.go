// Package pump implements the mDNS message pump: the wire encode/decode
// boundary, duplicate-send suppression, and query/answer demultiplexing.
package pump

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/mlog"
	"github.com/lumenlocal/mdnsd/internal/mnet"
)

// DefaultMTU caps the size of an encoded outbound message.
const DefaultMTU = 1500

// qClassCacheFlush is the high bit of an answer RR's class (cache-flush
// bit) and, in the question section, the QU (unicast-response) bit.
const qClassCacheFlush uint16 = 1 << 15

// Transport is the subset of *mnet.Transport the pump depends on. Pump is
// defined against this interface, not the concrete type, so it (and
// anything built on it, like discovery.Registry) can be exercised in
// tests without opening real multicast sockets.
type Transport interface {
	Send(buf []byte)
	SendUnicast(buf []byte, ifIndex int, dst *net.UDPAddr) error
	Receive() <-chan mnet.Datagram
}

// Query is a demultiplexed inbound query (QR=0), with the QU bit already
// normalized out of every question's class.
type Query struct {
	Msg     *dns.Msg
	Remote  *net.UDPAddr
	IfIndex int
	// WantsUnicast parallels Msg.Question; true where the source question's
	// class carried the QU bit before normalization.
	WantsUnicast []bool
}

// Answer is a demultiplexed inbound response (QR=1).
type Answer struct {
	Msg     *dns.Msg
	Remote  *net.UDPAddr
	IfIndex int
}

// Pump sits between mnet.Transport and the catalog/discovery layers.
type Pump struct {
	transport Transport
	log       *mlog.Logger
	mtu       int

	queries chan Query
	answers chan Answer

	dedupMu sync.Mutex
	dedup   map[dedupKey]time.Time
}

type dedupKey struct {
	name  string
	qtype uint16
	class uint16
	qr    bool
}

// New wraps t, which may be a *mnet.Transport or any test double
// implementing Transport. mtu <= 0 uses DefaultMTU.
func New(t Transport, mtu int, log *mlog.Logger) *Pump {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if log == nil {
		log = mlog.New(nil, "pump")
	}
	return &Pump{
		transport: t,
		log:       log,
		mtu:       mtu,
		queries:   make(chan Query, 64),
		answers:   make(chan Answer, 64),
		dedup:     make(map[dedupKey]time.Time),
	}
}

// Start launches the classification loop reading from the transport in a
// goroutine and returns at once. The loop exits, closing the query and
// answer channels, once the caller's context is done or the transport's
// receive channel is closed.
func (p *Pump) Start(ctx context.Context) {
	go func() {
		defer close(p.queries)
		defer close(p.answers)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-p.transport.Receive():
				if !ok {
					return
				}
				p.classify(d)
			}
		}
	}()
}

func (p *Pump) classify(d mnet.Datagram) {
	msg := new(dns.Msg)
	if err := msg.Unpack(d.Bytes); err != nil {
		p.log.Debugf("dropping malformed datagram from %s: %v", d.Remote, err)
		return
	}

	if !msg.Response {
		wants := make([]bool, len(msg.Question))
		for i, q := range msg.Question {
			wants[i] = q.Qclass&qClassCacheFlush != 0
			msg.Question[i].Qclass = q.Qclass &^ qClassCacheFlush
		}
		select {
		case p.queries <- Query{Msg: msg, Remote: d.Remote, IfIndex: d.IfIndex, WantsUnicast: wants}:
		default:
			p.log.Warnf("query channel full, dropping query from %s", d.Remote)
		}
		return
	}

	select {
	case p.answers <- Answer{Msg: msg, Remote: d.Remote, IfIndex: d.IfIndex}:
	default:
		p.log.Warnf("answer channel full, dropping answer from %s", d.Remote)
	}
}

// QueryReceived delivers demultiplexed inbound queries.
func (p *Pump) QueryReceived() <-chan Query { return p.queries }

// AnswerReceived delivers demultiplexed inbound answers.
func (p *Pump) AnswerReceived() <-chan Answer { return p.answers }

// SendQuery builds and multicasts a QM (multicast-response) question.
func (p *Pump) SendQuery(name string, qtype uint16) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = false
	p.sendMsg(m, false)
}

// SendRawQuery sends a caller-constructed query message as-is (used by
// probe, which needs to set a specific transaction id and authority
// section). force bypasses duplicate suppression, matching Probe's need
// to send three distinct probes a fraction of a second apart.
func (p *Pump) SendRawQuery(m *dns.Msg, force bool) {
	p.sendMsg(m, force)
}

// SendUnicastQuery is SendQuery with the QU bit set on every question.
func (p *Pump) SendUnicastQuery(name string, qtype uint16) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = false
	for i := range m.Question {
		m.Question[i].Qclass |= qClassCacheFlush
	}
	p.sendMsg(m, false)
}

// SendAnswer sends msg (QR=1, no question section, per RFC 6762 §6)
// multicast by default, or unicast to dst if provided. force bypasses
// duplicate suppression, used by Announce/Unadvertise/UpdateText where every
// send matters.
func (p *Pump) SendAnswer(msg *dns.Msg, ifIndex int, dst *net.UDPAddr, force bool) error {
	msg.Response = true
	msg.Question = nil

	buf, truncated := p.encode(msg)
	if truncated {
		p.log.Debugf("message for %v truncated to fit MTU %d", msg.Id, p.mtu)
	}

	if !force && p.isDuplicate(msg) {
		return nil
	}
	p.remember(msg)

	if dst != nil {
		return p.transport.SendUnicast(buf, ifIndex, dst)
	}
	p.transport.Send(buf)
	return nil
}

func (p *Pump) sendMsg(m *dns.Msg, force bool) {
	buf, _ := p.encode(m)
	if !force && p.isDuplicateQuestion(m) {
		return
	}
	p.rememberQuestion(m)
	p.transport.Send(buf)
}

// encode packs msg, enforcing the MTU by first truncating Extra and, if
// still oversized, setting TC=1 and dropping the remainder.
func (p *Pump) encode(msg *dns.Msg) ([]byte, bool) {
	buf, err := msg.Pack()
	if err == nil && len(buf) <= p.mtu {
		return buf, false
	}

	truncated := false
	for len(msg.Extra) > 0 {
		msg.Extra = msg.Extra[:len(msg.Extra)-1]
		truncated = true
		buf, err = msg.Pack()
		if err == nil && len(buf) <= p.mtu {
			return buf, true
		}
	}

	msg.Truncated = true
	for len(msg.Answer) > 1 {
		msg.Answer = msg.Answer[:len(msg.Answer)-1]
		buf, err = msg.Pack()
		if err == nil && len(buf) <= p.mtu {
			return buf, true
		}
	}
	if buf == nil {
		buf, _ = msg.Pack()
	}
	return buf, truncated
}

func (p *Pump) isDuplicate(msg *dns.Msg) bool {
	if len(msg.Answer) == 0 {
		return false
	}
	hdr := msg.Answer[0].Header()
	key := dedupKey{name: hdr.Name, qtype: hdr.Rrtype, class: hdr.Class &^ qClassCacheFlush, qr: true}
	return p.seen(key)
}

func (p *Pump) remember(msg *dns.Msg) {
	if len(msg.Answer) == 0 {
		return
	}
	hdr := msg.Answer[0].Header()
	key := dedupKey{name: hdr.Name, qtype: hdr.Rrtype, class: hdr.Class &^ qClassCacheFlush, qr: true}
	p.mark(key)
}

func (p *Pump) isDuplicateQuestion(m *dns.Msg) bool {
	if len(m.Question) == 0 {
		return false
	}
	q := m.Question[0]
	key := dedupKey{name: q.Name, qtype: q.Qtype, class: q.Qclass &^ qClassCacheFlush, qr: false}
	return p.seen(key)
}

func (p *Pump) rememberQuestion(m *dns.Msg) {
	if len(m.Question) == 0 {
		return
	}
	q := m.Question[0]
	key := dedupKey{name: q.Name, qtype: q.Qtype, class: q.Qclass &^ qClassCacheFlush, qr: false}
	p.mark(key)
}

// seen and mark implement a 1s recent-send window; the sweep happens
// opportunistically on insert, since the pump has no ticker of its own.
func (p *Pump) seen(key dedupKey) bool {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()
	t, ok := p.dedup[key]
	return ok && time.Since(t) < time.Second
}

func (p *Pump) mark(key dedupKey) {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()
	now := time.Now()
	p.dedup[key] = now
	for k, t := range p.dedup {
		if now.Sub(t) >= time.Second {
			delete(p.dedup, k)
		}
	}
}
