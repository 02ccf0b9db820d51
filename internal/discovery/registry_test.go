package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/catalog"
	"github.com/lumenlocal/mdnsd/internal/dnsname"
	"github.com/lumenlocal/mdnsd/internal/mnet"
	"github.com/lumenlocal/mdnsd/internal/pump"
)

// fakeTransport is an in-memory pump.Transport, letting the registry be
// exercised without real multicast sockets (mirrors pump_test.go's double).
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	unicast  []*net.UDPAddr
	incoming chan mnet.Datagram
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan mnet.Datagram, 16)}
}

func (f *fakeTransport) Send(buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, buf)
}

func (f *fakeTransport) SendUnicast(buf []byte, ifIndex int, dst *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicast = append(f.unicast, dst)
	return nil
}

func (f *fakeTransport) Receive() <-chan mnet.Datagram { return f.incoming }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() *dns.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	m := new(dns.Msg)
	if err := m.Unpack(f.sent[len(f.sent)-1]); err != nil {
		return nil
	}
	return m
}

func newTestRegistry(t *testing.T) (*Registry, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	p := pump.New(ft, pump.DefaultMTU, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)

	cat := catalog.New()
	r := NewRegistry(cat, p, Config{}, nil)
	r.Run(ctx)
	return r, ft
}

func testProfile() *ServiceProfile {
	return &ServiceProfile{
		Instance: "x",
		Service:  "_foo._tcp",
		Port:     1024,
		HostName: "x.local",
		AddrIPv4: []net.IP{net.ParseIP("192.0.2.5")},
	}
}

// Advertising a profile and then querying its PTR answers with the
// service PTR plus SRV/A in additional.
func TestAdvertiseAndSelfAnswer(t *testing.T) {
	r, ft := newTestRegistry(t)
	p := testProfile()
	if err := r.Advertise(p); err != nil {
		t.Fatal(err)
	}

	qualified := p.QualifiedServiceName()
	req := new(dns.Msg)
	req.SetQuestion(qualified.FQDN(), dns.TypePTR)
	ft.incoming <- mnet.Datagram{Bytes: mustPack(t, req), Remote: &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5353}}

	deadline := time.After(2 * time.Second)
	for {
		if ft.sentCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a response to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}

	resp := ft.lastSent()
	if resp == nil {
		t.Fatal("expected a decodable response")
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected one PTR answer, got %d", len(resp.Answer))
	}
	ptr, ok := resp.Answer[0].(*dns.PTR)
	if !ok {
		t.Fatalf("expected PTR answer, got %T", resp.Answer[0])
	}
	if ptr.Ptr != p.FullyQualifiedName().FQDN() {
		t.Fatalf("expected PTR target %s, got %s", p.FullyQualifiedName().FQDN(), ptr.Ptr)
	}

	var haveSRV, haveA bool
	for _, rr := range resp.Extra {
		switch rr.(type) {
		case *dns.SRV:
			haveSRV = true
		case *dns.A:
			haveA = true
		}
	}
	if !haveSRV || !haveA {
		t.Fatalf("expected SRV and A in additional, got %v", resp.Extra)
	}
}

// A meta-query across two distinct profiles must answer with an empty
// additional section.
func TestMetaQueryAcrossTwoProfilesHasEmptyAdditional(t *testing.T) {
	r, ft := newTestRegistry(t)

	foo := testProfile()
	bar := &ServiceProfile{
		Instance: "y",
		Service:  "_bar._tcp",
		Port:     2048,
		HostName: "y.local",
		AddrIPv4: []net.IP{net.ParseIP("192.0.2.6")},
	}
	if err := r.Advertise(foo); err != nil {
		t.Fatal(err)
	}
	if err := r.Advertise(bar); err != nil {
		t.Fatal(err)
	}

	req := new(dns.Msg)
	req.SetQuestion(catalog.DNSSDMetaName, dns.TypePTR)
	ft.incoming <- mnet.Datagram{Bytes: mustPack(t, req), Remote: &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5353}}

	deadline := time.After(2 * time.Second)
	for {
		if ft.sentCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a response to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}

	resp := ft.lastSent()
	if resp == nil {
		t.Fatal("expected a decodable response")
	}
	if len(resp.Answer) != 2 {
		t.Fatalf("expected two PTR answers (one per profile), got %d", len(resp.Answer))
	}
	if len(resp.Extra) != 0 {
		t.Fatalf("expected empty additional section for a meta-query, got %d", len(resp.Extra))
	}
}

// Unadvertise sends a goodbye with TTL=0 and removes the catalog entry.
func TestUnadvertiseSendsGoodbye(t *testing.T) {
	r, ft := newTestRegistry(t)
	p := testProfile()
	if err := r.Advertise(p); err != nil {
		t.Fatal(err)
	}

	if err := r.Unadvertise(p); err != nil {
		t.Fatal(err)
	}

	resp := ft.lastSent()
	if resp == nil {
		t.Fatal("expected a goodbye message to be sent")
	}
	if len(resp.Answer) != 1 || resp.Answer[0].Header().Ttl != 0 {
		t.Fatalf("expected a single TTL=0 answer, got %v", resp.Answer)
	}

	_, authoritative := r.cat.Lookup(p.FullyQualifiedName())
	if authoritative {
		t.Fatal("expected profile records removed from the catalog after goodbye")
	}
}

// A probe with no responder reports no conflict; a probe that observes
// a matching-transaction answer reports a conflict.
func TestProbeConflictDetection(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := testProfile()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if conflict := r.Probe(ctx, p); conflict {
		t.Fatal("expected no conflict with no responder present")
	}
}

func TestProbeConflictWhenAnswered(t *testing.T) {
	r, ft := newTestRegistry(t)
	p := testProfile()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := r.ProbeAsync(ctx, p)

	// Wait for the probe's first query, then echo it back as an answer
	// carrying the same transaction id to simulate a conflicting responder.
	deadline := time.After(2 * time.Second)
	var txnID uint16
	for {
		if m := ft.lastSent(); m != nil && len(m.Question) > 0 {
			txnID = m.Id
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the probe's first query")
		case <-time.After(10 * time.Millisecond):
		}
	}

	reply := new(dns.Msg)
	reply.Id = txnID
	reply.Response = true
	reply.Answer = []dns.RR{p.srv(DefaultTTL, false)}
	ft.incoming <- mnet.Datagram{Bytes: mustPack(t, reply), Remote: &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 5353}}

	select {
	case conflict := <-done:
		if !conflict {
			t.Fatal("expected a conflict to be reported")
		}
	case <-ctx.Done():
		t.Fatal("probe did not complete before context deadline")
	}
}

// A remote PTR answer under the DNS-SD meta-name raises exactly one
// service_discovered event.
func TestServiceDiscoveredEventFiredOnce(t *testing.T) {
	r, ft := newTestRegistry(t)

	events := make(chan dnsname.Name, 4)
	r.Subscribe(EventFuncs{OnServiceDiscovered: func(name dnsname.Name) { events <- name }})

	reply := new(dns.Msg)
	reply.Response = true
	reply.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: catalog.DNSSDMetaName, Rrtype: dns.TypePTR, Ttl: 4500},
		Ptr: "_foo._tcp.local.",
	}}
	ft.incoming <- mnet.Datagram{Bytes: mustPack(t, reply), Remote: &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5353}}

	select {
	case name := <-events:
		if name.String() != "_foo._tcp.local" {
			t.Fatalf("unexpected discovered name %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for service_discovered event")
	}

	select {
	case name := <-events:
		t.Fatalf("expected exactly one event, got a second: %v", name)
	case <-time.After(200 * time.Millisecond):
	}
}

// Advertise is idempotent at the registry level too.
func TestAdvertiseIsIdempotentAtRegistryLevel(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := testProfile()
	if err := r.Advertise(p); err != nil {
		t.Fatal(err)
	}
	if err := r.Advertise(p); err != nil {
		t.Fatal(err)
	}
	if len(r.profiles) != 1 {
		t.Fatalf("expected Advertise to be idempotent, got %d registered profiles", len(r.profiles))
	}
}

// N subtypes produce N sub-PTR records resolvable by name.
func TestSubtypesProduceSubPTRRecords(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := testProfile()
	p.Subtypes = []string{"_printer", "_scanner"}
	if err := r.Advertise(p); err != nil {
		t.Fatal(err)
	}

	for _, sub := range p.Subtypes {
		subName := p.subtypeName(sub)
		records, _ := r.cat.Lookup(subName)
		if len(records) != 1 {
			t.Fatalf("expected one sub-PTR record for %s, got %d", subName, len(records))
		}
	}
}

func mustPack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	buf, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return buf
}
