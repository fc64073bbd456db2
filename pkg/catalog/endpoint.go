package catalog

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies one RPC peer. Key() is the only identity used for
// equality and map lookups.
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port uint16 `json:"port" yaml:"port"`
}

func NewEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string { return e.Key() }

func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

// ParsePeerAddress parses a textual "host:port" peer entry as reported by a
// node's peer list. IPv4-mapped IPv6 addresses ("[::ffff:a.b.c.d]:port") are
// unwrapped to their IPv4 form.
func ParsePeerAddress(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("peer address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("peer address %q: bad port: %w", s, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		}
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// IsRoutable reports whether host is a publicly routable address. Private,
// loopback, link-local and unspecified ranges are rejected so discovery never
// admits LAN noise from a peer list.
func IsRoutable(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames pass; DNS seeds resolve them before use.
		return host != ""
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	return true
}
