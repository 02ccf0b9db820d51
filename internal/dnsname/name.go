// Package dnsname implements the case-insensitive domain name value type
// shared by the catalog, pump, and discovery packages.
package dnsname

import (
	"fmt"
	"strings"
)

const (
	maxLabelBytes  = 63
	maxEncodedName = 255
)

// Name is a case-insensitive, case-preserving DNS domain name. Two Names
// compare and hash equal iff their labels match ignoring case; the
// original casing supplied by the caller is retained for on-wire use.
type Name struct {
	raw string
}

// New validates and wraps s as a Name. Trailing dots are normalized away;
// label and total length limits from RFC 1035 are enforced.
func New(s string) (Name, error) {
	trimmed := strings.TrimSuffix(s, ".")
	if trimmed == "" {
		return Name{}, nil
	}
	if len(trimmed) > maxEncodedName {
		return Name{}, fmt.Errorf("dnsname: %q exceeds %d encoded bytes", s, maxEncodedName)
	}
	for _, label := range strings.Split(trimmed, ".") {
		if len(label) == 0 {
			return Name{}, fmt.Errorf("dnsname: %q has an empty label", s)
		}
		if len(label) > maxLabelBytes {
			return Name{}, fmt.Errorf("dnsname: label %q exceeds %d bytes", label, maxLabelBytes)
		}
	}
	return Name{raw: trimmed}, nil
}

// MustNew is New but panics on error; reserved for compile-time-known names.
func MustNew(s string) Name {
	n, err := New(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the case-preserving on-wire form, without a trailing dot.
func (n Name) String() string { return n.raw }

// FQDN returns the form miekg/dns expects in RR_Header.Name and Question.Name.
func (n Name) FQDN() string {
	if n.raw == "" {
		return "."
	}
	return n.raw + "."
}

// key is the case-folded form used for comparison and map hashing.
func (n Name) key() string { return strings.ToLower(n.raw) }

// Equal reports whether n and other name the same domain, ignoring case.
func (n Name) Equal(other Name) bool { return n.key() == other.key() }

// IsSubdomainOf reports whether n is parent-equal-to-or-below other, e.g.
// "x._foo._tcp.local".IsSubdomainOf("local") is true.
func (n Name) IsSubdomainOf(other Name) bool {
	if other.raw == "" {
		return true
	}
	nk, ok := n.key(), other.key()
	if nk == ok {
		return true
	}
	return strings.HasSuffix(nk, "."+ok)
}

// Join concatenates labels (or dotted label sequences) into one Name,
// trimming their edge dots and skipping empty ones.
func Join(labels ...string) (Name, error) {
	nonEmpty := labels[:0:0]
	for _, l := range labels {
		l = strings.TrimSuffix(strings.TrimPrefix(l, "."), ".")
		if l != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	return New(strings.Join(nonEmpty, "."))
}

// Key returns the case-folded comparison key, for use as a map key by
// callers that need a plain comparable type (e.g. catalog.Catalog).
func (n Name) Key() string { return n.key() }
