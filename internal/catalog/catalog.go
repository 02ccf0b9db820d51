// Package catalog implements the authoritative record catalog and the name
// server that resolves questions against it.
package catalog

import (
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/dnsname"
)

// DNSSDMetaName is the well-known DNS-SD service-enumeration query name.
const DNSSDMetaName = "_services._dns-sd._udp.local."

// Record is one catalog entry: a wire RR plus ownership metadata.
type Record struct {
	RR            dns.RR
	Authoritative bool
	// Shared marks a record with multiple potential owners (e.g. PTRs
	// pointing at service instances); unique records require probing.
	Shared bool
}

type node struct {
	records       []Record
	authoritative bool
}

// Catalog maps domain names to the records held at that name. Reads (the
// name server's Resolve) vastly outnumber writes (Advertise/Unadvertise).
// Writes edit a node's record slice in place under the write lock, and
// Lookup returns a copy under the read lock, so callers never share a
// slice with the catalog.
type Catalog struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{nodes: make(map[string]*node)}
}

// Add inserts rec under name. A record is marked authoritative when the
// caller owns it outright; PTR records advertising other owners' service
// instances should be inserted with authoritative=false, shared=true.
func (c *Catalog) Add(name dnsname.Name, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name.Key()
	n, ok := c.nodes[key]
	if !ok {
		n = &node{}
		c.nodes[key] = n
	}
	n.records = dedupAppend(n.records, rec)
	if rec.Authoritative {
		n.authoritative = true
	}
}

// dedupAppend keeps Add idempotent: inserting the same (type, rdata) pair
// twice leaves the node's record set unchanged.
func dedupAppend(existing []Record, rec Record) []Record {
	for i, e := range existing {
		if sameRR(e.RR, rec.RR) {
			existing[i] = rec
			return existing
		}
	}
	return append(existing, rec)
}

func sameRR(a, b dns.RR) bool {
	ah, bh := a.Header(), b.Header()
	if !strings.EqualFold(ah.Name, bh.Name) || ah.Rrtype != bh.Rrtype {
		return false
	}
	return a.String() == b.String() || rdataEqual(a, b)
}

// rdataEqual compares two RRs ignoring header TTL, since re-advertising the
// same record with a refreshed TTL must still count as "the same record".
func rdataEqual(a, b dns.RR) bool {
	ac, bc := dns.Copy(a), dns.Copy(b)
	ac.Header().Ttl, bc.Header().Ttl = 0, 0
	return ac.String() == bc.String()
}

// Lookup returns every record at name, authoritative flag included at the
// node level.
func (c *Catalog) Lookup(name dnsname.Name) (records []Record, authoritative bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[name.Key()]
	if !ok {
		return nil, false
	}
	out := make([]Record, len(n.records))
	copy(out, n.records)
	return out, n.authoritative
}

// TryRemove deletes the node at name, if present, and reports whether
// anything was removed.
func (c *Catalog) TryRemove(name dnsname.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name.Key()
	if _, ok := c.nodes[key]; !ok {
		return false
	}
	delete(c.nodes, key)
	return true
}

// RemoveRecord removes a single record (by type+rdata) from name's node,
// used by Unadvertise to drop one profile's contribution to a shared PTR
// node without clearing other profiles' entries at the same name.
func (c *Catalog) RemoveRecord(name dnsname.Name, rr dns.RR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[name.Key()]
	if !ok {
		return
	}
	kept := n.records[:0]
	for _, r := range n.records {
		if !sameRR(r.RR, rr) {
			kept = append(kept, r)
		}
	}
	n.records = kept
	if len(n.records) == 0 {
		delete(c.nodes, name.Key())
	}
}

// IncludeReverseLookupRecords derives in-addr.arpa/ip6.arpa PTR records for
// every A/AAAA record currently in the catalog and inserts them
// authoritatively.
func (c *Catalog) IncludeReverseLookupRecords() {
	c.mu.Lock()
	type addRec struct {
		name dnsname.Name
		rec  Record
	}
	var toAdd []addRec
	for _, n := range c.nodes {
		for _, r := range n.records {
			var ptrName string
			switch rr := r.RR.(type) {
			case *dns.A:
				ptrName = reverseNameV4(rr.A.String())
			case *dns.AAAA:
				ptrName = reverseNameV6(rr.AAAA)
			default:
				continue
			}
			if ptrName == "" {
				continue
			}
			nm, err := dnsname.New(ptrName)
			if err != nil {
				continue
			}
			ptr := &dns.PTR{
				Hdr: dns.RR_Header{Name: nm.FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: r.RR.Header().Ttl},
				Ptr: r.RR.Header().Name,
			}
			toAdd = append(toAdd, addRec{name: nm, rec: Record{RR: ptr, Authoritative: true}})
		}
	}
	c.mu.Unlock()

	for _, a := range toAdd {
		c.Add(a.name, a.rec)
	}
}

func reverseNameV4(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ""
	}
	return parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0] + ".in-addr.arpa"
}

func reverseNameV6(ip net.IP) string {
	ip16 := ip.To16()
	if ip16 == nil {
		return ""
	}
	const hexDigits = "0123456789abcdef"
	nibbles := make([]string, 0, 32)
	for i := len(ip16) - 1; i >= 0; i-- {
		b := ip16[i]
		nibbles = append(nibbles, string(hexDigits[b&0xf]), string(hexDigits[b>>4]))
	}
	return strings.Join(nibbles, ".") + ".ip6.arpa"
}
