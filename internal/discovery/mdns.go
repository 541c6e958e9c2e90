// Package discovery advertises paircode servers on the local network and
// finds them again from the client CLI.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/grandcat/zeroconf"

	"paircode/internal/observability"
)

const (
	Service = "_paircode._tcp"
	Domain  = "local."
)

// Endpoint is one discovered server.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// URL returns an HTTP base URL for e, preferring IPv4.
func (e Endpoint) URL() string {
	host := e.Host
	if len(e.Addrs) > 0 {
		host = e.Addrs[0].String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Advertiser keeps a service registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Advertise registers instance on port. An empty instance uses
// paircode-<hostname>.
func Advertise(instance string, port int, version string, logger *slog.Logger) (*Advertiser, error) {
	logger = observability.WithComponent(logger, "discovery")
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", "paircode", host)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port,
		[]string{"txtv=0", "version=" + version, "ws=/ws/{id}"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("mdns service registered", "instance", instance, "service", Service, "port", port)
	return &Advertiser{server: server}, nil
}

// Browse collects servers until ctx is done.
func Browse(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Endpoint)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				ep := fromEntry(entry)
				found[ep.Instance] = ep
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	<-done

	out := make([]Endpoint, 0, len(found))
	for _, ep := range found {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Endpoint {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Endpoint{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Addrs:    addrs,
		Text:     e.Text,
	}
}
