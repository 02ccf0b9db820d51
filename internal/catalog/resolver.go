package catalog

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/dnsname"
)

// Status mirrors the subset of DNS rcodes the resolver produces.
type Status int

const (
	NoError Status = iota
	NameError
	Refused
)

// ResolveConfig toggles mDNS-specific resolution behavior.
type ResolveConfig struct {
	// AnswerAllQuestions, when true (required for mDNS), always attempts
	// every question even after a NoError verdict on an earlier one.
	AnswerAllQuestions bool
}

// Server answers questions against a Catalog.
type Server struct {
	cat *Catalog
}

// NewServer builds a name server over cat.
func NewServer(cat *Catalog) *Server { return &Server{cat: cat} }

// Resolve answers req and returns the overall status. A nil response and
// non-NoError status both mean "the caller should not send anything": mDNS
// responders never send negative answers (RFC 6762 §6).
func (s *Server) Resolve(req *dns.Msg, cfg ResolveConfig) (*dns.Msg, Status) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Compress = true
	resp.Question = nil
	resp.Answer = []dns.RR{}
	resp.Extra = []dns.RR{}

	overall := NameError
	for _, q := range req.Question {
		name, err := dnsname.New(q.Name)
		if err != nil {
			continue
		}
		records, authoritative := s.cat.Lookup(name)
		if len(records) == 0 {
			if !cfg.AnswerAllQuestions {
				break
			}
			continue
		}
		if authoritative {
			resp.Authoritative = true
		}
		matched := false
		for _, r := range records {
			if q.Qtype != dns.TypeANY && r.RR.Header().Rrtype != q.Qtype {
				continue
			}
			if KnownAnswerSuppressed(req, r.RR) {
				continue
			}
			resp.Answer = append(resp.Answer, r.RR)
			matched = true
			s.appendAdditional(resp, r.RR)
		}
		if matched {
			overall = NoError
			if !cfg.AnswerAllQuestions {
				break
			}
		}
	}

	if len(resp.Answer) == 0 {
		return nil, overall
	}

	// Special case: DNS-SD meta-query responses must carry no additional
	// records; some clients choke on extras here.
	if containsMetaAnswer(resp.Answer) {
		resp.Extra = nil
	}

	dedupExtra(resp)
	return resp, NoError
}

func containsMetaAnswer(answers []dns.RR) bool {
	for _, a := range answers {
		if strings.EqualFold(a.Header().Name, DNSSDMetaName) {
			return true
		}
	}
	return false
}

// appendAdditional places SRV target A/AAAA and TXT records in the
// additional section, recursing from a PTR answer through its instance's
// SRV to that SRV's own target records.
func (s *Server) appendAdditional(resp *dns.Msg, answer dns.RR) {
	switch rr := answer.(type) {
	case *dns.SRV:
		targetName, err := dnsname.New(rr.Target)
		if err != nil {
			return
		}
		targetRecords, _ := s.cat.Lookup(targetName)
		for _, tr := range targetRecords {
			switch tr.RR.(type) {
			case *dns.A, *dns.AAAA:
				resp.Extra = append(resp.Extra, tr.RR)
			}
		}
		instanceName, err := dnsname.New(rr.Hdr.Name)
		if err == nil {
			for _, tr := range mustLookupTXT(s.cat, instanceName) {
				resp.Extra = append(resp.Extra, tr)
			}
		}
	case *dns.PTR:
		instanceName, err := dnsname.New(rr.Ptr)
		if err != nil {
			return
		}
		instanceRecords, _ := s.cat.Lookup(instanceName)
		for _, ir := range instanceRecords {
			switch ir.RR.(type) {
			case *dns.SRV:
				resp.Extra = append(resp.Extra, ir.RR)
				s.appendAdditional(resp, ir.RR)
			case *dns.TXT:
				resp.Extra = append(resp.Extra, ir.RR)
			}
		}
	}
}

func mustLookupTXT(cat *Catalog, name dnsname.Name) []dns.RR {
	records, _ := cat.Lookup(name)
	var out []dns.RR
	for _, r := range records {
		if _, ok := r.RR.(*dns.TXT); ok {
			out = append(out, r.RR)
		}
	}
	return out
}

func dedupExtra(resp *dns.Msg) {
	seen := make(map[string]bool, len(resp.Extra))
	kept := resp.Extra[:0]
	for _, rr := range resp.Extra {
		k := rr.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, rr)
	}
	resp.Extra = kept
}

// KnownAnswerSuppressed reports whether query already carries, in its own
// Answer section, a record matching candidate with a TTL at least half of
// candidate's TTL. From RFC6762 7.1: known-answer suppression.
func KnownAnswerSuppressed(query *dns.Msg, candidate dns.RR) bool {
	ch := candidate.Header()
	for _, known := range query.Answer {
		kh := known.Header()
		if kh.Rrtype != ch.Rrtype || !strings.EqualFold(kh.Name, ch.Name) {
			continue
		}
		if sameRdata(known, candidate) && kh.Ttl >= ch.Ttl/2 {
			return true
		}
	}
	return false
}

func sameRdata(a, b dns.RR) bool {
	ac, bc := dns.Copy(a), dns.Copy(b)
	ac.Header().Ttl, bc.Header().Ttl = 0, 0
	return ac.String() == bc.String()
}
