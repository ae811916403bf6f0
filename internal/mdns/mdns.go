package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the DNS-SD service type advertised by IWRF time-series servers.
const Service = "_iwrf._tcp"

// Domain is the browse domain.
const Domain = "local."

// Host represents a discovered time-series server.
type Host struct {
	Instance  string // Advertised name: "tssim on radar01"
	Hostname  string // DNS hostname: "radar01.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Endpoint returns a dialable host:port, preferring IPv4.
func (h Host) Endpoint() string {
	var ip net.IP
	for _, a := range h.Addresses {
		if a.To4() != nil {
			ip = a
			break
		}
		if ip == nil {
			ip = a
		}
	}
	host := strings.TrimSuffix(h.Hostname, ".")
	if ip != nil {
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(h.Port))
}

// Discover performs a blocking mDNS browse for time-series servers. It
// returns cleaned and deduplicated host entries sorted by instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	hosts := make(chan []Host, 1)
	go func() { hosts <- collect(ctx, entries) }()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	return <-hosts, nil
}

// collect drains entries until the channel closes or ctx ends.
func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []Host {
	seen := make(map[string]Host)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sortHosts(seen)
			}
			if e == nil {
				continue
			}
			h := toHost(e)
			seen[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
		case <-ctx.Done():
			return sortHosts(seen)
		}
	}
}

func toHost(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func sortHosts(m map[string]Host) []Host {
	out := make([]Host, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// Advertise registers a time-series server on port until the returned
// function is called.
func Advertise(instance string, port int, txt []string) (func(), error) {
	srv, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register error: %w", err)
	}
	return srv.Shutdown, nil
}
