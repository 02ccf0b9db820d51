package discovery

import (
	"net"
	"sync"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd/internal/dnsname"
	"github.com/lumenlocal/mdnsd/internal/mlog"
)

// EventHandler receives discovery-layer events. Handlers are invoked
// synchronously, in registration order, under a read lock, so events
// observed on a single receiver socket are delivered to each handler in
// the order they arrived; a recovered panic boundary keeps one bad
// handler from poisoning delivery to the others.
type EventHandler interface {
	ServiceDiscovered(name dnsname.Name)
	ServiceInstanceDiscovered(name dnsname.Name, msg *dns.Msg)
	ServiceInstanceShutdown(name dnsname.Name, msg *dns.Msg)
	NetworkInterfaceDiscovered(addrs []net.IP)
}

// eventBus fans events out to every registered handler: a registered-
// callback vector invoked under a read lock.
type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
	log      *mlog.Logger
}

func newEventBus(log *mlog.Logger) *eventBus {
	return &eventBus{log: log}
}

func (b *eventBus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *eventBus) dispatch(fn func(EventHandler)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		b.invoke(h, fn)
	}
}

func (b *eventBus) invoke(h EventHandler, fn func(EventHandler)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("event handler panicked: %v", r)
		}
	}()
	fn(h)
}

func (b *eventBus) serviceDiscovered(name dnsname.Name) {
	b.dispatch(func(h EventHandler) { h.ServiceDiscovered(name) })
}

func (b *eventBus) serviceInstanceDiscovered(name dnsname.Name, msg *dns.Msg) {
	b.dispatch(func(h EventHandler) { h.ServiceInstanceDiscovered(name, msg) })
}

func (b *eventBus) serviceInstanceShutdown(name dnsname.Name, msg *dns.Msg) {
	b.dispatch(func(h EventHandler) { h.ServiceInstanceShutdown(name, msg) })
}

func (b *eventBus) networkInterfaceDiscovered(addrs []net.IP) {
	b.dispatch(func(h EventHandler) { h.NetworkInterfaceDiscovered(addrs) })
}

// EventFuncs adapts plain functions to EventHandler, so callers don't need
// to implement every method to subscribe to one kind of event.
type EventFuncs struct {
	OnServiceDiscovered          func(dnsname.Name)
	OnServiceInstanceDiscovered  func(dnsname.Name, *dns.Msg)
	OnServiceInstanceShutdown    func(dnsname.Name, *dns.Msg)
	OnNetworkInterfaceDiscovered func([]net.IP)
}

func (f EventFuncs) ServiceDiscovered(name dnsname.Name) {
	if f.OnServiceDiscovered != nil {
		f.OnServiceDiscovered(name)
	}
}

func (f EventFuncs) ServiceInstanceDiscovered(name dnsname.Name, msg *dns.Msg) {
	if f.OnServiceInstanceDiscovered != nil {
		f.OnServiceInstanceDiscovered(name, msg)
	}
}

func (f EventFuncs) ServiceInstanceShutdown(name dnsname.Name, msg *dns.Msg) {
	if f.OnServiceInstanceShutdown != nil {
		f.OnServiceInstanceShutdown(name, msg)
	}
}

func (f EventFuncs) NetworkInterfaceDiscovered(addrs []net.IP) {
	if f.OnNetworkInterfaceDiscovered != nil {
		f.OnNetworkInterfaceDiscovered(addrs)
	}
}
