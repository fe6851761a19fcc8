package connectivity

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"time"
)

// NetProber checks reachability by dialing a well-known endpoint and reads
// the default-route interface from the kernel routing table.
type NetProber struct {
	Address   string
	Timeout   time.Duration
	RouteFile string

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewNetProber creates a prober dialing address (host:port)
func NewNetProber(address string, timeout time.Duration) *NetProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &NetProber{
		Address:   address,
		Timeout:   timeout,
		RouteFile: "/proc/net/route",
		dial:      d.DialContext,
	}
}

// Probe implements Prober
func (p *NetProber) Probe(ctx context.Context) State {
	iface := defaultRouteInterface(p.RouteFile)
	transport := transportForInterface(iface)
	state := State{
		Transport: transport,
		Metered:   transport == TransportCellular,
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.Address)
	if err != nil {
		return state
	}
	conn.Close()

	state.Connected = true
	return state
}

// defaultRouteInterface returns the interface of the 0.0.0.0 destination in
// /proc/net/route, or "" when there is none or the file is unreadable.
func defaultRouteInterface(routeFile string) string {
	if routeFile == "" {
		return ""
	}
	f, err := os.Open(routeFile)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "00000000" {
			return fields[0]
		}
	}
	return ""
}

func transportForInterface(name string) Transport {
	switch {
	case name == "":
		return TransportUnknown
	case strings.HasPrefix(name, "wl"):
		return TransportWiFi
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ppp"):
		return TransportCellular
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return TransportWired
	default:
		return TransportUnknown
	}
}
