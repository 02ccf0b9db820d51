// Package mdnsd is a link-local service discovery engine implementing
// Multicast DNS (RFC 6762) and DNS-Based Service Discovery (RFC 6763). It
// exposes a Responder for advertising services and a Browser for
// discovering them; see internal/discovery, internal/catalog,
// internal/pump, internal/mnet, and internal/ifacemon for the engine's
// five layers.
package mdnsd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lumenlocal/mdnsd/internal/catalog"
	"github.com/lumenlocal/mdnsd/internal/discovery"
	"github.com/lumenlocal/mdnsd/internal/ifacemon"
	"github.com/lumenlocal/mdnsd/internal/mlog"
	"github.com/lumenlocal/mdnsd/internal/mnet"
	"github.com/lumenlocal/mdnsd/internal/pump"
)

// Re-exported so callers don't need to import internal packages.
type (
	ServiceProfile = discovery.ServiceProfile
	EventHandler   = discovery.EventHandler
	EventFuncs     = discovery.EventFuncs
)

// IPType restricts which IP families a Responder or Browser binds to.
type IPType uint8

const (
	IPv4 IPType = 1 << iota
	IPv6
	IPv4AndIPv6 = IPv4 | IPv6
)

// engineOpts is the configuration Responder and Browser construction
// funnels through before defaults are applied.
type engineOpts struct {
	ipType                          IPType
	mtu                             int
	logger                          *logrus.Logger
	pollInterval                    time.Duration
	answersContainAdditionalRecords bool
}

func defaultEngineOpts() engineOpts {
	return engineOpts{
		ipType:       IPv4AndIPv6,
		mtu:          pump.DefaultMTU,
		pollInterval: ifacemon.DefaultPollInterval,
	}
}

// ResponderOption fills the option struct for NewResponder.
type ResponderOption func(*engineOpts)

func applyResponderOpts(options ...ResponderOption) engineOpts {
	opts := defaultEngineOpts()
	for _, o := range options {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// BrowserOption fills the option struct for NewBrowser.
type BrowserOption func(*engineOpts)

func applyBrowserOpts(options ...BrowserOption) engineOpts {
	opts := defaultEngineOpts()
	for _, o := range options {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// SelectIPTraffic restricts which IP families a Responder joins/sends on;
// default is IPv4AndIPv6.
func SelectIPTraffic(t IPType) ResponderOption { return func(o *engineOpts) { o.ipType = t } }

// SelectBrowserIPTraffic is SelectIPTraffic for NewBrowser.
func SelectBrowserIPTraffic(t IPType) BrowserOption { return func(o *engineOpts) { o.ipType = t } }

// WithMTU caps outbound datagram size; default 1500, large LANs may raise
// it up to 9000.
func WithMTU(mtu int) ResponderOption { return func(o *engineOpts) { o.mtu = mtu } }

// WithBrowserMTU is WithMTU for NewBrowser.
func WithBrowserMTU(mtu int) BrowserOption { return func(o *engineOpts) { o.mtu = mtu } }

// WithLogger directs every component's structured log lines through l
// instead of logrus.StandardLogger().
func WithLogger(l *logrus.Logger) ResponderOption { return func(o *engineOpts) { o.logger = l } }

// WithBrowserLogger is WithLogger for NewBrowser.
func WithBrowserLogger(l *logrus.Logger) BrowserOption { return func(o *engineOpts) { o.logger = l } }

// WithPollInterval sets the interface watcher's polling cadence; default 1s.
func WithPollInterval(d time.Duration) ResponderOption { return func(o *engineOpts) { o.pollInterval = d } }

// WithBrowserPollInterval is WithPollInterval for NewBrowser.
func WithBrowserPollInterval(d time.Duration) BrowserOption {
	return func(o *engineOpts) { o.pollInterval = d }
}

// WithAdditionalInAnswer folds additional records into the answer section
// and clears additional, for peers that ignore the additional section.
func WithAdditionalInAnswer() ResponderOption {
	return func(o *engineOpts) { o.answersContainAdditionalRecords = true }
}

// engine is the shared plumbing both Responder and Browser sit on top of.
type engine struct {
	opts      engineOpts
	log       *mlog.Logger
	transport *mnet.Transport
	pump      *pump.Pump
	watcher   *ifacemon.Watcher
	catalog   *catalog.Catalog
	registry  *discovery.Registry

	group  errgroup.Group
	cancel context.CancelFunc
}

func newEngine(opts engineOpts) (*engine, error) {
	log := mlog.New(opts.logger, "mdnsd")

	t, err := mnet.New(mnet.Config{
		UseIPv4:      opts.ipType&IPv4 != 0,
		UseIPv6:      opts.ipType&IPv6 != 0,
		PollInterval: opts.pollInterval,
	}, log.For("mnet"))
	if err != nil {
		return nil, fmt.Errorf("mdnsd: %w", err)
	}

	p := pump.New(t, opts.mtu, log.For("pump"))
	cat := catalog.New()
	reg := discovery.NewRegistry(cat, p, discovery.Config{AnswersContainAdditionalRecords: opts.answersContainAdditionalRecords}, log.For("discovery"))
	w := ifacemon.New(opts.pollInterval, log.For("ifacemon"))

	return &engine{
		opts:      opts,
		log:       log,
		transport: t,
		pump:      p,
		watcher:   w,
		catalog:   cat,
		registry:  reg,
	}, nil
}

func (e *engine) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	e.pump.Start(ctx)
	e.registry.Run(ctx)

	changes := e.watcher.Watch(ctx, &e.group)
	fanned := make(chan ifacemon.Change, 1)
	e.group.Go(func() error {
		defer close(fanned)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ch, ok := <-changes:
				if !ok {
					return nil
				}
				select {
				case fanned <- ch:
				case <-ctx.Done():
					return nil
				}
				var addrs []net.IP
				for _, c := range ch.Current {
					addrs = append(addrs, c.Addr)
				}
				e.registry.EmitInterfaceDiscovered(addrs)
			}
		}
	})
	e.transport.Watch(ctx, fanned)
	return nil
}

func (e *engine) close() error {
	if e.cancel != nil {
		e.cancel()
	}
	err := e.transport.Close()
	_ = e.group.Wait()
	return err
}

// Responder advertises one or more ServiceProfiles and answers queries
// about them authoritatively.
type Responder struct {
	e *engine
}

// NewResponder constructs a Responder and binds its receive sockets; group
// joins and serving wait for Start.
func NewResponder(opts ...ResponderOption) (*Responder, error) {
	e, err := newEngine(applyResponderOpts(opts...))
	if err != nil {
		return nil, err
	}
	return &Responder{e: e}, nil
}

// Start joins the multicast group on every usable interface and begins
// serving. Call once.
func (r *Responder) Start(ctx context.Context) error { return r.e.start(ctx) }

// Advertise registers p's records in the catalog.
func (r *Responder) Advertise(p *ServiceProfile) error { return r.e.registry.Advertise(p) }

// ProbeThenAnnounce runs Probe followed by Announce if no conflict was
// observed, and returns the probe's conflict verdict.
func (r *Responder) ProbeThenAnnounce(ctx context.Context, p *ServiceProfile) (conflict bool, err error) {
	conflict = r.e.registry.Probe(ctx, p)
	if conflict {
		return true, nil
	}
	return false, r.e.registry.Announce(ctx, p, 0)
}

// Probe runs RFC 6762 §8.1 probing for p and returns true on conflict.
func (r *Responder) Probe(ctx context.Context, p *ServiceProfile) bool {
	return r.e.registry.Probe(ctx, p)
}

// Announce sends the unsolicited announcement pair for p.
func (r *Responder) Announce(ctx context.Context, p *ServiceProfile) error {
	return r.e.registry.Announce(ctx, p, 0)
}

// Unadvertise sends a goodbye for p and removes it from the catalog.
func (r *Responder) Unadvertise(p *ServiceProfile) error { return r.e.registry.Unadvertise(p) }

// UnadvertiseAll goodbyes every registered profile; safe on shutdown.
func (r *Responder) UnadvertiseAll() { r.e.registry.UnadvertiseAll() }

// Subscribe registers h for discovery events raised by inbound traffic.
func (r *Responder) Subscribe(h EventHandler) { r.e.registry.Subscribe(h) }

// Close unadvertises every profile and releases all sockets.
func (r *Responder) Close() error {
	r.e.registry.UnadvertiseAll()
	return r.e.close()
}

// Browser discovers services advertised by peers.
type Browser struct {
	e *engine
}

// NewBrowser constructs a Browser and binds its receive sockets; group
// joins and listening wait for Start.
func NewBrowser(opts ...BrowserOption) (*Browser, error) {
	e, err := newEngine(applyBrowserOpts(opts...))
	if err != nil {
		return nil, err
	}
	return &Browser{e: e}, nil
}

// Start joins the multicast group on every usable interface and begins
// listening.
func (b *Browser) Start(ctx context.Context) error { return b.e.start(ctx) }

// Subscribe registers h for service_discovered / service_instance_*
// events.
func (b *Browser) Subscribe(h EventHandler) { b.e.registry.Subscribe(h) }

// QueryAllServices sends the DNS-SD meta-query (service type enumeration).
func (b *Browser) QueryAllServices() { b.e.registry.QueryAllServices() }

// QueryServiceInstances browses service.domain (or subtype._sub.service.domain).
func (b *Browser) QueryServiceInstances(service, domain, subtype string) {
	b.e.registry.QueryServiceInstances(service, domain, subtype)
}

// Close releases all sockets.
func (b *Browser) Close() error { return b.e.close() }
