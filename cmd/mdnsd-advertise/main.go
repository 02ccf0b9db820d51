// Command mdnsd-advertise publishes a service on the local network using
// mdnsd and tears it down cleanly on interrupt.
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

	"github.com/lumenlocal/mdnsd"
)

var (
	name     = flag.String("name", "mdnsd-demo", "The instance name for the service.")
	service  = flag.String("service", "_workstation._tcp", "The service type, e.g. _workstation._tcp.")
	domain   = flag.String("domain", "local", "The network domain.")
	port     = flag.Int("port", 42424, "The port the service is listening on.")
	hostname = flag.String("host", "", "Host name to advertise; defaults to os.Hostname.")
	waitTime = flag.Int("wait", 0, "Duration in seconds to advertise for; 0 runs until interrupted.")
)

func main() {
	flag.Parse()

	host := *hostname
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Fatalf("determining hostname: %v", err)
		}
		host = h + ".local"
	}

	responder, err := mdnsd.NewResponder()
	if err != nil {
		log.Fatalf("constructing responder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := responder.Start(ctx); err != nil {
		log.Fatalf("starting responder: %v", err)
	}
	defer responder.Close()

	profile := &mdnsd.ServiceProfile{
		Instance: *name,
		Service:  *service,
		Domain:   *domain,
		Port:     *port,
		HostName: host,
		AddrIPv4: localIPv4s(),
		Text:     []string{"txtv=0"},
	}

	if err := responder.Advertise(profile); err != nil {
		log.Fatalf("advertising: %v", err)
	}

	conflict, err := responder.ProbeThenAnnounce(ctx, profile)
	if err != nil {
		log.Fatalf("announcing: %v", err)
	}
	if conflict {
		log.Fatalf("probe detected a name conflict for %s; choose a different -name", *name)
	}
	log.Printf("advertising %s on %s.%s:%d", *name, *service, *domain, *port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *waitTime > 0 {
		timeout = time.After(time.Duration(*waitTime) * time.Second)
	}

	select {
	case <-sig:
		log.Println("shutting down on signal")
	case <-timeout:
		log.Println("shutting down after timeout")
	}
}

func localIPv4s() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				out = append(out, v4)
			}
		}
	}
	return out
}
