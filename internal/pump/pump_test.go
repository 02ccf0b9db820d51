package pump

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/mnet"
)

// fakeTransport is an in-memory stand-in for *mnet.Transport, letting the
// pump's encode/decode and classification logic be exercised without real
// multicast sockets.
type fakeTransport struct {
	sent     [][]byte
	unicast  []unicastSend
	incoming chan mnet.Datagram
}

type unicastSend struct {
	buf     []byte
	ifIndex int
	dst     *net.UDPAddr
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan mnet.Datagram, 8)}
}

func (f *fakeTransport) Send(buf []byte) { f.sent = append(f.sent, buf) }

func (f *fakeTransport) SendUnicast(buf []byte, ifIndex int, dst *net.UDPAddr) error {
	f.unicast = append(f.unicast, unicastSend{buf: buf, ifIndex: ifIndex, dst: dst})
	return nil
}

func (f *fakeTransport) Receive() <-chan mnet.Datagram { return f.incoming }

func TestQUBitNormalizedOnReceive(t *testing.T) {
	ft := newFakeTransport()
	p := New(ft, DefaultMTU, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	q := new(dns.Msg)
	q.SetQuestion("x.local.", dns.TypeA)
	q.Question[0].Qclass |= qClassCacheFlush
	buf, err := q.Pack()
	if err != nil {
		t.Fatal(err)
	}
	remote := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 54321}
	ft.incoming <- mnet.Datagram{Bytes: buf, Remote: remote}

	select {
	case got := <-p.QueryReceived():
		if got.Msg.Question[0].Qclass&qClassCacheFlush != 0 {
			t.Fatal("expected QU bit stripped from normalized question")
		}
		if !got.WantsUnicast[0] {
			t.Fatal("expected WantsUnicast recorded for the stripped question")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query event")
	}
}

func TestSendAnswerUnicast(t *testing.T) {
	ft := newFakeTransport()
	p := New(ft, DefaultMTU, nil)

	resp := new(dns.Msg)
	resp.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "x.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.ParseIP("192.0.2.5")}}
	dst := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 54321}

	if err := p.SendAnswer(resp, 3, dst, true); err != nil {
		t.Fatal(err)
	}
	if len(ft.unicast) != 1 {
		t.Fatalf("expected one unicast send, got %d", len(ft.unicast))
	}
	if ft.unicast[0].dst != dst {
		t.Fatal("expected unicast reply sent to the provided destination")
	}
	if len(ft.sent) != 0 {
		t.Fatal("did not expect a multicast send for a unicast answer")
	}
}

func TestDuplicateSuppression(t *testing.T) {
	ft := newFakeTransport()
	p := New(ft, DefaultMTU, nil)

	resp := func() *dns.Msg {
		m := new(dns.Msg)
		m.Answer = []dns.RR{&dns.PTR{Hdr: dns.RR_Header{Name: "_foo._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 4500}, Ptr: "a._foo._tcp.local."}}
		return m
	}

	if err := p.SendAnswer(resp(), 0, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := p.SendAnswer(resp(), 0, nil, false); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected the second send within 1s to be suppressed, got %d sends", len(ft.sent))
	}

	if err := p.SendAnswer(resp(), 0, nil, true); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("expected force=true to bypass suppression, got %d sends", len(ft.sent))
	}
}
