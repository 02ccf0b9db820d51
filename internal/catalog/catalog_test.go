package catalog

import (
	"net"
	"testing"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/dnsname"
)

func TestAddIsIdempotent(t *testing.T) {
	cat := New()
	name := dnsname.MustNew("x.local")
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: "x.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
	}

	cat.Add(name, Record{RR: rr, Authoritative: true})
	cat.Add(name, Record{RR: rr, Authoritative: true})

	records, _ := cat.Lookup(name)
	if len(records) != 1 {
		t.Fatalf("expected idempotent Add to leave one record, got %d", len(records))
	}
}

func TestTryRemove(t *testing.T) {
	cat := New()
	name := dnsname.MustNew("x.local")
	cat.Add(name, Record{RR: &dns.TXT{Hdr: dns.RR_Header{Name: "x.local.", Rrtype: dns.TypeTXT}}, Authoritative: true})

	if !cat.TryRemove(name) {
		t.Fatal("expected TryRemove to report removal")
	}
	records, _ := cat.Lookup(name)
	if len(records) != 0 {
		t.Fatalf("expected no records after TryRemove, got %d", len(records))
	}
}

func TestIncludeReverseLookupRecords(t *testing.T) {
	cat := New()
	host := dnsname.MustNew("x.local")
	cat.Add(host, Record{
		RR:            &dns.A{Hdr: dns.RR_Header{Name: "x.local.", Rrtype: dns.TypeA, Ttl: 120}, A: net.ParseIP("192.0.2.5")},
		Authoritative: true,
	})

	cat.IncludeReverseLookupRecords()

	ptrName := dnsname.MustNew("5.2.0.192.in-addr.arpa")
	records, authoritative := cat.Lookup(ptrName)
	if len(records) != 1 {
		t.Fatalf("expected a derived reverse PTR, got %d records", len(records))
	}
	if !authoritative {
		t.Fatal("expected derived reverse PTR to be authoritative")
	}
}

func TestMetaQueryHasEmptyAdditional(t *testing.T) {
	cat := New()
	meta := dnsname.MustNew(DNSSDMetaName)
	cat.Add(meta, Record{
		RR: &dns.PTR{Hdr: dns.RR_Header{Name: meta.FQDN(), Rrtype: dns.TypePTR, Ttl: 4500}, Ptr: "_foo._tcp.local."},
	})

	srv := NewServer(cat)
	req := new(dns.Msg)
	req.SetQuestion(meta.FQDN(), dns.TypePTR)

	resp, status := srv.Resolve(req, ResolveConfig{AnswerAllQuestions: true})
	if status != NoError {
		t.Fatalf("expected NoError, got %v", status)
	}
	if len(resp.Extra) != 0 {
		t.Fatalf("expected empty additional section for meta-query, got %d records", len(resp.Extra))
	}
}

func TestKnownAnswerSuppressed(t *testing.T) {
	ptr := &dns.PTR{Hdr: dns.RR_Header{Name: "_foo._tcp.local.", Rrtype: dns.TypePTR, Ttl: 4500}, Ptr: "a._foo._tcp.local."}
	known := &dns.PTR{Hdr: dns.RR_Header{Name: "_foo._tcp.local.", Rrtype: dns.TypePTR, Ttl: 3000}, Ptr: "a._foo._tcp.local."}
	query := new(dns.Msg)
	query.Answer = []dns.RR{known}

	if !KnownAnswerSuppressed(query, ptr) {
		t.Fatal("expected known-answer suppression when cached TTL is still at least half")
	}

	stale := &dns.PTR{Hdr: dns.RR_Header{Name: "_foo._tcp.local.", Rrtype: dns.TypePTR, Ttl: 100}, Ptr: "a._foo._tcp.local."}
	query.Answer = []dns.RR{stale}
	if KnownAnswerSuppressed(query, ptr) {
		t.Fatal("did not expect suppression when cached TTL has decayed below half")
	}
}
