package authfabric

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies holds the CIDR ranges a deployment's ingress/load-balancer
// tier lives in. Only a direct peer inside one of these ranges is trusted to
// supply an X-Forwarded-For header; this is deliberately stricter than
// httputil.ClientIP's private/loopback-peer heuristic, per §4.5's
// "configured trusted-proxy CIDR list" requirement.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses cidrs, skipping and ignoring malformed entries
// rather than failing startup over an operator typo.
func NewTrustedProxies(cidrs []string) TrustedProxies {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return TrustedProxies{nets: nets}
}

func (t TrustedProxies) contains(ip net.IP) bool {
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the direct peer address, unwrapped one hop through
// X-Forwarded-For only when that peer is within the trusted-proxy list.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	parsed := net.ParseIP(remote)
	if parsed == nil || !t.contains(parsed) {
		return remote
	}

	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" {
		return remote
	}
	parts := strings.Split(xff, ",")
	candidate := strings.TrimSpace(parts[0])
	if host, _, err := net.SplitHostPort(candidate); err == nil {
		candidate = host
	}
	if candidate == "" || net.ParseIP(candidate) == nil {
		return remote
	}
	return candidate
}
