// Package discovery implements the DNS-SD service layer: advertising,
// probing/announcing/goodbye, answering queries from the catalog, and
// raising discovery events from observed remote answers.
package discovery

import (
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/dnsname"
)

// State is the per-profile probe/announce lifecycle.
type State int

const (
	StateNew State = iota
	StateProbing
	StateReady
	StateConflict
	StateAnnounced
	StateGone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateConflict:
		return "conflict"
	case StateAnnounced:
		return "announced"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// ServiceProfile describes one advertisement: instance name, service type
// (e.g. "_foo._tcp"), port, optional subtypes, host name, and the
// addresses the owner answers for.
type ServiceProfile struct {
	Instance string
	Service  string // e.g. "_foo._tcp"
	Domain   string // defaults to "local"
	Port     int
	Subtypes []string
	HostName string
	AddrIPv4 []net.IP
	AddrIPv6 []net.IP
	Text     []string

	state State
}

// normalizeDomain returns p.Domain, defaulting to "local".
func (p *ServiceProfile) normalizeDomain() string {
	if p.Domain == "" {
		return "local"
	}
	return p.Domain
}

// QualifiedServiceName is service + "." + domain, e.g. "_foo._tcp.local.".
func (p *ServiceProfile) QualifiedServiceName() dnsname.Name {
	return dnsname.MustNew(fmt.Sprintf("%s.%s", trimDot(p.Service), trimDot(p.normalizeDomain())))
}

// FullyQualifiedName is instance + "." + QualifiedServiceName.
func (p *ServiceProfile) FullyQualifiedName() dnsname.Name {
	return dnsname.MustNew(fmt.Sprintf("%s.%s", trimDot(p.Instance), p.QualifiedServiceName().String()))
}

// HostFQDN is the profile's host name as a Name. It is not defaulted:
// Advertise rejects a profile whose HostName is empty.
func (p *ServiceProfile) HostFQDN() dnsname.Name {
	return dnsname.MustNew(trimDot(p.HostName))
}

func (p *ServiceProfile) subtypeName(subtype string) dnsname.Name {
	return dnsname.MustNew(fmt.Sprintf("%s._sub.%s", trimDot(subtype), p.QualifiedServiceName().String()))
}

// srv builds the profile's SRV record.
func (p *ServiceProfile) srv(ttl uint32, cacheFlush bool) *dns.SRV {
	class := uint16(dns.ClassINET)
	if cacheFlush {
		class |= cacheFlushBit
	}
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: p.FullyQualifiedName().FQDN(), Rrtype: dns.TypeSRV, Class: class, Ttl: ttl},
		Priority: 0,
		Weight:   0,
		Port:     uint16(p.Port),
		Target:   p.HostFQDN().FQDN(),
	}
}

func (p *ServiceProfile) txt(ttl uint32, cacheFlush bool) *dns.TXT {
	class := uint16(dns.ClassINET)
	if cacheFlush {
		class |= cacheFlushBit
	}
	txt := p.Text
	if txt == nil {
		txt = []string{}
	}
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: p.FullyQualifiedName().FQDN(), Rrtype: dns.TypeTXT, Class: class, Ttl: ttl},
		Txt: txt,
	}
}

func (p *ServiceProfile) addrRecords(ttl uint32, cacheFlush bool) []dns.RR {
	class := uint16(dns.ClassINET)
	if cacheFlush {
		class |= cacheFlushBit
	}
	var out []dns.RR
	for _, ip := range p.AddrIPv4 {
		out = append(out, &dns.A{
			Hdr: dns.RR_Header{Name: p.HostFQDN().FQDN(), Rrtype: dns.TypeA, Class: class, Ttl: ttl},
			A:   ip,
		})
	}
	for _, ip := range p.AddrIPv6 {
		out = append(out, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: p.HostFQDN().FQDN(), Rrtype: dns.TypeAAAA, Class: class, Ttl: ttl},
			AAAA: ip,
		})
	}
	return out
}

// resources returns every record (SRV, TXT, A/AAAA) the profile answers for.
func (p *ServiceProfile) resources(ttl uint32, cacheFlush bool) []dns.RR {
	out := []dns.RR{p.srv(ttl, cacheFlush), p.txt(ttl, cacheFlush)}
	out = append(out, p.addrRecords(ttl, cacheFlush)...)
	return out
}

func trimDot(s string) string {
	for len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && s[0] == '.' {
		s = s[1:]
	}
	return s
}

const cacheFlushBit uint16 = 1 << 15

// DefaultTTL mirrors RFC 6762 §10's 75-minute guidance. Advertise, Announce
// and UpdateText use it for every record they emit; it is not configurable.
const DefaultTTL uint32 = 4500

// AddressTTL is the shorter TTL RFC 6762 §10 recommends for A/AAAA records,
// to account for interface and address churn.
const AddressTTL uint32 = 120
