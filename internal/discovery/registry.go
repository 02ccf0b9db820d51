package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/catalog"
	"github.com/lumenlocal/mdnsd/internal/dnsname"
	"github.com/lumenlocal/mdnsd/internal/mlog"
	"github.com/lumenlocal/mdnsd/internal/pump"
)

// Config toggles Registry's resolution behavior.
type Config struct {
	// AnswersContainAdditionalRecords, when true, appends additional
	// records into the answer section and clears additional, for peers
	// that ignore the additional section.
	AnswersContainAdditionalRecords bool
}

// Registry is the DNS-SD service layer: it owns the authoritative catalog
// contributions of every advertised profile and interprets inbound
// traffic into discovery events.
type Registry struct {
	cat  *catalog.Catalog
	srv  *catalog.Server
	pump *pump.Pump
	cfg  Config
	log  *mlog.Logger

	events *eventBus

	mu       sync.Mutex
	profiles []*ServiceProfile

	pendingMu sync.Mutex
	pending   map[string]*pendingProbe
}

// NewRegistry wires a Registry over an existing catalog and pump.
func NewRegistry(cat *catalog.Catalog, p *pump.Pump, cfg Config, log *mlog.Logger) *Registry {
	if log == nil {
		log = mlog.New(nil, "discovery")
	}
	return &Registry{
		cat:     cat,
		srv:     catalog.NewServer(cat),
		pump:    p,
		cfg:     cfg,
		log:     log,
		events:  newEventBus(log.For("events")),
		pending: make(map[string]*pendingProbe),
	}
}

// Subscribe registers h to receive discovery events.
func (r *Registry) Subscribe(h EventHandler) { r.events.Subscribe(h) }

// EmitInterfaceDiscovered raises network_interface_discovered to every
// subscriber, fed by the interface watcher.
func (r *Registry) EmitInterfaceDiscovered(addrs []net.IP) {
	r.events.networkInterfaceDiscovered(addrs)
}

// Advertise inserts profile p's records into the catalog. No traffic is
// sent; callers drive announcements via Probe + Announce.
func (r *Registry) Advertise(p *ServiceProfile) error {
	if p.Service == "" || p.Instance == "" {
		return fmt.Errorf("discovery: service and instance name are required")
	}
	if p.HostName == "" {
		return fmt.Errorf("discovery: host name is required")
	}

	meta, err := dnsname.New(catalog.DNSSDMetaName)
	if err != nil {
		return err
	}
	qualified := p.QualifiedServiceName()
	fqdn := p.FullyQualifiedName()

	r.cat.Add(meta, catalog.Record{
		RR: &dns.PTR{
			Hdr: dns.RR_Header{Name: meta.FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: DefaultTTL},
			Ptr: qualified.FQDN(),
		},
		Shared: true,
	})

	r.cat.Add(qualified, catalog.Record{
		RR: &dns.PTR{
			Hdr: dns.RR_Header{Name: qualified.FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: DefaultTTL},
			Ptr: fqdn.FQDN(),
		},
		Shared: true,
	})

	for _, sub := range p.Subtypes {
		subName := p.subtypeName(sub)
		r.cat.Add(subName, catalog.Record{
			RR: &dns.PTR{
				Hdr: dns.RR_Header{Name: subName.FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: DefaultTTL},
				Ptr: fqdn.FQDN(),
			},
			Shared: true,
		})
	}

	// Each resource already carries its own owner name in its header (SRV
	// and TXT under fqdn, A/AAAA under the host name), so it must be added
	// under that name rather than under fqdn uniformly, or host address
	// records would be unreachable by host-name lookup.
	for _, rr := range p.resources(DefaultTTL, false) {
		owner, err := dnsname.New(rr.Header().Name)
		if err != nil {
			continue
		}
		r.cat.Add(owner, catalog.Record{RR: rr, Authoritative: true})
	}
	r.cat.IncludeReverseLookupRecords()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.profiles {
		if existing.FullyQualifiedName().Equal(fqdn) {
			return nil // already registered; Advertise is idempotent
		}
	}
	p.state = StateNew
	r.profiles = append(r.profiles, p)
	return nil
}

// Announce builds a response carrying the service PTR and the profile's
// resources in the answer section and sends it twice, one second apart, per
// RFC 6762 §8.3. robustness overrides the 2-send default when > 0.
func (r *Registry) Announce(ctx context.Context, p *ServiceProfile, robustness int) error {
	if robustness <= 0 {
		robustness = 2
	}
	fqdn := p.FullyQualifiedName()
	qualified := p.QualifiedServiceName()

	send := func() error {
		resp := new(dns.Msg)
		resp.Response = true
		resp.Authoritative = true
		resp.Answer = append(resp.Answer, &dns.PTR{
			Hdr: dns.RR_Header{Name: qualified.FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: DefaultTTL},
			Ptr: fqdn.FQDN(),
		})
		resp.Answer = append(resp.Answer, p.resources(DefaultTTL, true)...)
		return r.pump.SendAnswer(resp, 0, nil, true)
	}

	if err := send(); err != nil {
		return err
	}
	timer := newCancellableTimer(announceInterval)
	defer timer.Stop()
	select {
	case <-timer.C():
	case <-ctx.Done():
		return ctx.Err()
	}
	p.state = StateAnnounced

	for i := 1; i < robustness; i++ {
		if err := send(); err != nil {
			return err
		}
		if i < robustness-1 {
			timer.Reset(announceInterval)
			select {
			case <-timer.C():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Unadvertise sends a goodbye (TTL=0) for p and removes its qualified
// service name entry from the catalog.
func (r *Registry) Unadvertise(p *ServiceProfile) error {
	fqdn := p.FullyQualifiedName()
	qualified := p.QualifiedServiceName()

	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	resp.Answer = append(resp.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: qualified.FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 0},
		Ptr: fqdn.FQDN(),
	})
	resp.Extra = append(resp.Extra, p.resources(0, false)...)

	err := r.pump.SendAnswer(resp, 0, nil, true)

	r.cat.RemoveRecord(qualified, resp.Answer[0])
	r.cat.TryRemove(fqdn)
	for _, sub := range p.Subtypes {
		r.cat.RemoveRecord(p.subtypeName(sub), &dns.PTR{
			Hdr: dns.RR_Header{Name: p.subtypeName(sub).FQDN(), Rrtype: dns.TypePTR, Class: dns.ClassINET},
			Ptr: fqdn.FQDN(),
		})
	}
	p.state = StateGone

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.profiles {
		if existing == p {
			r.profiles = append(r.profiles[:i], r.profiles[i+1:]...)
			break
		}
	}
	return err
}

// UpdateText replaces p's TXT record and re-announces with the cache-flush
// bit set, without re-probing (RFC 6762 §8.4).
func (r *Registry) UpdateText(p *ServiceProfile, text []string) error {
	fqdn := p.FullyQualifiedName()
	r.cat.RemoveRecord(fqdn, p.txt(DefaultTTL, false))
	p.Text = text
	r.cat.Add(fqdn, catalog.Record{RR: p.txt(DefaultTTL, false), Authoritative: true})

	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	resp.Answer = append(resp.Answer, p.txt(DefaultTTL, true))
	return r.pump.SendAnswer(resp, 0, nil, true)
}

// UnadvertiseAll goodbyes every profile in registration order; safe to
// call on shutdown.
func (r *Registry) UnadvertiseAll() {
	r.mu.Lock()
	profiles := make([]*ServiceProfile, len(r.profiles))
	copy(profiles, r.profiles)
	r.mu.Unlock()

	for _, p := range profiles {
		if err := r.Unadvertise(p); err != nil {
			r.log.Warnf("goodbye for %s failed: %v", p.FullyQualifiedName(), err)
		}
	}
}

// QueryAllServices sends a PTR query for the DNS-SD meta-name.
func (r *Registry) QueryAllServices() {
	r.pump.SendQuery(catalog.DNSSDMetaName, dns.TypePTR)
}

// QueryServiceInstances sends a PTR query for service.local, or
// subtype._sub.service.local if subtype is non-empty.
func (r *Registry) QueryServiceInstances(service, domain, subtype string) {
	if domain == "" {
		domain = "local"
	}
	name := fmt.Sprintf("%s.%s", trimDot(service), trimDot(domain))
	if subtype != "" {
		name = fmt.Sprintf("%s._sub.%s", trimDot(subtype), name)
	}
	r.pump.SendQuery(name, dns.TypePTR)
}

// QueryServiceInstancesUnicast is QueryServiceInstances with QU set.
func (r *Registry) QueryServiceInstancesUnicast(service, domain, subtype string) {
	if domain == "" {
		domain = "local"
	}
	name := fmt.Sprintf("%s.%s", trimDot(service), trimDot(domain))
	if subtype != "" {
		name = fmt.Sprintf("%s._sub.%s", trimDot(subtype), name)
	}
	r.pump.SendUnicastQuery(name, dns.TypePTR)
}

// Run consumes the pump's query/answer channels until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-r.pump.QueryReceived():
				if !ok {
					return
				}
				r.handleQuery(q)
			case a, ok := <-r.pump.AnswerReceived():
				if !ok {
					return
				}
				r.handleAnswer(a)
			}
		}
	}()
}

// handleQuery resolves q (whose QU bits the pump has already stripped and
// recorded in WantsUnicast) via the catalog, and sends the response unicast
// or multicast accordingly.
func (r *Registry) handleQuery(q pump.Query) {
	resp, status := r.srv.Resolve(q.Msg, catalog.ResolveConfig{AnswerAllQuestions: true})
	if status != catalog.NoError || resp == nil {
		return
	}

	if r.cfg.AnswersContainAdditionalRecords && len(resp.Extra) > 0 {
		resp.Answer = append(resp.Answer, resp.Extra...)
		resp.Extra = nil
	}
	if containsMetaAnswer(resp.Answer) {
		resp.Extra = nil
	}

	wantsUnicast := false
	for _, w := range q.WantsUnicast {
		if w {
			wantsUnicast = true
			break
		}
	}

	if wantsUnicast {
		_ = r.pump.SendAnswer(resp, q.IfIndex, q.Remote, true)
		return
	}
	_ = r.pump.SendAnswer(resp, q.IfIndex, nil, false)
}

func containsMetaAnswer(answers []dns.RR) bool {
	for _, a := range answers {
		if strings.EqualFold(a.Header().Name, catalog.DNSSDMetaName) {
			return true
		}
	}
	return false
}

// handleAnswer interprets inbound PTRs under .local and raises discovery
// events, and feeds any matching probe's conflict detection.
func (r *Registry) handleAnswer(a pump.Answer) {
	r.feedProbe(a.Msg)

	localSuffix := dnsname.MustNew("local")
	for _, rr := range a.Msg.Answer {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		owner, err := dnsname.New(ptr.Hdr.Name)
		if err != nil || !owner.IsSubdomainOf(localSuffix) {
			continue
		}
		target, err := dnsname.New(ptr.Ptr)
		if err != nil {
			continue
		}

		switch {
		case strings.EqualFold(owner.String(), trimDot(catalog.DNSSDMetaName)):
			r.events.serviceDiscovered(target)
		case rr.Header().Ttl == 0:
			r.events.serviceInstanceShutdown(target, a.Msg)
		default:
			r.events.serviceInstanceDiscovered(target, a.Msg)
		}
	}
}
