// Package ifacemon enumerates link-local-usable network interfaces and
// reports additions/removals so the transport can re-bind senders.
package ifacemon

import (
	"context"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenlocal/mdnsd/internal/mlog"
)

// Candidate is one usable (interface, address) pair.
type Candidate struct {
	Iface net.Interface
	Addr  net.IP
}

// Change describes how the usable set differs from the previous observation.
type Change struct {
	Added   []Candidate
	Removed []Candidate
	Current []Candidate
}

// DefaultPollInterval is used when Watcher is constructed with interval <= 0.
const DefaultPollInterval = time.Second

// Watcher polls the OS interface list and emits Change events.
type Watcher struct {
	interval time.Duration
	log      *mlog.Logger
}

// New constructs a Watcher. interval <= 0 uses DefaultPollInterval; the spec
// only requires a polling cadence of at least 1s.
func New(interval time.Duration, log *mlog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = mlog.New(nil, "ifacemon")
	}
	return &Watcher{interval: interval, log: log}
}

// ListUsable returns the current usable (interface, address) set: skip
// loopback, skip interfaces not up, skip IPv6 addresses that are not
// link-local.
func ListUsable() ([]Candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			ip := ipnet.IP
			if v4 := ip.To4(); v4 != nil {
				out = append(out, Candidate{Iface: iface, Addr: v4})
				continue
			}
			// IPv6: link-local is required for link-scope mDNS; globally
			// routable v6 addresses are excluded to avoid leaking off-link.
			if ip.IsLinkLocalUnicast() {
				out = append(out, Candidate{Iface: iface, Addr: ip})
			}
		}
	}
	sortCandidates(out)
	return out, nil
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Iface.Index != c[j].Iface.Index {
			return c[i].Iface.Index < c[j].Iface.Index
		}
		return c[i].Addr.String() < c[j].Addr.String()
	})
}

// Watch starts a background poll loop under g and returns a channel of
// Change events. The loop exits when ctx is canceled; callers join it via
// the same errgroup used to start it.
func (w *Watcher) Watch(ctx context.Context, g *errgroup.Group) <-chan Change {
	out := make(chan Change, 1)
	g.Go(func() error {
		defer close(out)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		last, err := ListUsable()
		if err != nil {
			w.log.Warnf("initial interface list failed: %v", err)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				cur, err := ListUsable()
				if err != nil {
					w.log.Warnf("interface list failed: %v", err)
					continue
				}
				if change, changed := diff(last, cur); changed {
					last = cur
					select {
					case out <- change:
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
	})
	return out
}

func diff(prev, cur []Candidate) (Change, bool) {
	prevSet := make(map[string]Candidate, len(prev))
	for _, c := range prev {
		prevSet[candidateKey(c)] = c
	}
	curSet := make(map[string]Candidate, len(cur))
	for _, c := range cur {
		curSet[candidateKey(c)] = c
	}

	var change Change
	change.Current = cur
	for k, c := range curSet {
		if _, ok := prevSet[k]; !ok {
			change.Added = append(change.Added, c)
		}
	}
	for k, c := range prevSet {
		if _, ok := curSet[k]; !ok {
			change.Removed = append(change.Removed, c)
		}
	}
	return change, len(change.Added) > 0 || len(change.Removed) > 0
}

func candidateKey(c Candidate) string {
	return c.Iface.Name + "|" + c.Addr.String()
}
