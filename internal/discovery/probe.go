package discovery

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

const (
	probeInterval    = 250 * time.Millisecond
	probeJitterMaxMs = 250
	announceInterval = time.Second
)

// pendingProbe is the transient state for an unconfirmed profile's name
// claim: a transaction id and a conflict flag; the scheduled query instants
// are implicit in the probe goroutine's timer sequence.
type pendingProbe struct {
	txnID    uint16
	conflict atomic.Bool
}

// cancellableTimer wraps time.Timer so Probe's delays can be interrupted by
// context cancellation, keeping shutdown prompt.
type cancellableTimer struct{ t *time.Timer }

func newCancellableTimer(d time.Duration) *cancellableTimer {
	return &cancellableTimer{t: time.NewTimer(d)}
}
func (c *cancellableTimer) C() <-chan time.Time  { return c.t.C }
func (c *cancellableTimer) Reset(d time.Duration) { c.t.Reset(d) }
func (c *cancellableTimer) Stop()                 { c.t.Stop() }

// ProbeAsync implements RFC 6762 §8.1 probing as the primary, asynchronous
// form; Probe is a blocking convenience built on top of it. It returns a
// channel that receives exactly one value: true if a conflict was
// observed, false otherwise.
func (r *Registry) ProbeAsync(ctx context.Context, p *ServiceProfile) <-chan bool {
	out := make(chan bool, 1)
	txnID := uint16(rand.Intn(1 << 16))

	pp := &pendingProbe{txnID: txnID}
	key := p.HostFQDN().Key()
	r.pendingMu.Lock()
	r.pending[key] = pp
	r.pendingMu.Unlock()

	p.state = StateProbing

	go func() {
		defer func() {
			r.pendingMu.Lock()
			delete(r.pending, key)
			r.pendingMu.Unlock()
		}()

		jitter := time.Duration(rand.Intn(probeJitterMaxMs)) * time.Millisecond
		timer := newCancellableTimer(jitter)
		defer timer.Stop()
		select {
		case <-timer.C():
		case <-ctx.Done():
			out <- false
			return
		}

		for i := 0; i < 3; i++ {
			r.sendProbeQuery(p, txnID)
			timer.Reset(probeInterval)
			select {
			case <-timer.C():
			case <-ctx.Done():
				out <- pp.conflict.Load()
				return
			}
		}

		// One more interval to catch a straggler reply to the third probe.
		timer.Reset(probeInterval)
		select {
		case <-timer.C():
		case <-ctx.Done():
		}

		if pp.conflict.Load() {
			p.state = StateConflict
		} else {
			p.state = StateReady
		}
		out <- pp.conflict.Load()
	}()

	return out
}

// Probe is the blocking facade over ProbeAsync.
func (r *Registry) Probe(ctx context.Context, p *ServiceProfile) bool {
	return <-r.ProbeAsync(ctx, p)
}

func (r *Registry) sendProbeQuery(p *ServiceProfile, txnID uint16) {
	m := new(dns.Msg)
	m.Id = txnID
	m.Question = []dns.Question{{Name: p.HostFQDN().FQDN(), Qtype: dns.TypeANY, Qclass: dns.ClassINET}}
	m.RecursionDesired = false
	m.Ns = []dns.RR{p.srv(DefaultTTL, false), p.txt(DefaultTTL, false)}
	r.pump.SendRawQuery(m, true)
}

// feedProbe sets the conflict flag on any pending probe whose transaction
// id matches msg and whose answer section is non-empty.
func (r *Registry) feedProbe(msg *dns.Msg) {
	if len(msg.Answer) == 0 {
		return
	}
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for _, pp := range r.pending {
		if pp.txnID == msg.Id {
			pp.conflict.Store(true)
		}
	}
}
