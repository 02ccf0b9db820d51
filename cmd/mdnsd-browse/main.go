// Command mdnsd-browse discovers services advertised on the local network
// using mdnsd and prints events as they arrive.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/lumenlocal/mdnsd"
	"github.com/lumenlocal/mdnsd/internal/dnsname"
)

var (
	service  = flag.String("service", "_workstation._tcp", "The service type to browse for.")
	domain   = flag.String("domain", "local", "The network domain.")
	subtype  = flag.String("subtype", "", "Optional subtype to browse for.")
	waitTime = flag.Int("wait", 10, "Duration in seconds to browse for.")
)

type printer struct{}

func (printer) ServiceDiscovered(name dnsname.Name) {
	log.Printf("service type discovered: %s", name)
}

func (printer) ServiceInstanceDiscovered(name dnsname.Name, msg *dns.Msg) {
	log.Printf("instance discovered: %s", name)
}

func (printer) ServiceInstanceShutdown(name dnsname.Name, msg *dns.Msg) {
	log.Printf("instance gone: %s", name)
}

func (printer) NetworkInterfaceDiscovered(addrs []net.IP) {
	log.Printf("interfaces changed: %v", addrs)
}

func main() {
	flag.Parse()

	browser, err := mdnsd.NewBrowser()
	if err != nil {
		log.Fatalf("constructing browser: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*waitTime)*time.Second)
	defer cancel()

	browser.Subscribe(printer{})

	if err := browser.Start(ctx); err != nil {
		log.Fatalf("starting browser: %v", err)
	}
	defer browser.Close()

	browser.QueryServiceInstances(*service, *domain, *subtype)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Println("shutting down on signal")
	case <-ctx.Done():
		log.Println("shutting down after timeout")
	}
}
