package media

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// PublicTransport only connects to public addresses. Imported image URLs
// come from end users, so loopback, private and link-local targets are
// refused after DNS resolution.
func PublicTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			ip := net.ParseIP(host)
			if ip == nil {
				conn.Close()
				return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
			}
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				conn.Close()
				return nil, fmt.Errorf("access to private IP %s is denied", ip)
			}
			return conn, nil
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
	}
}

// PublicClient is an http.Client over PublicTransport.
func PublicClient() *http.Client {
	return &http.Client{Transport: PublicTransport(), Timeout: 30 * time.Second}
}
