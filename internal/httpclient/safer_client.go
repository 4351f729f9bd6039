// Package httpclient provides the outbound HTTP client used by job handlers.
// Job definitions come from config files and the CLI, so requests are
// screened against private networks unless the operator opts out.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
)

// ErrBlocked marks a request refused by the client's URL policy
var ErrBlocked = errors.New("request blocked")

// Options configures a SaferClient. The zero value blocks private networks,
// allows http and https and follows up to 10 redirects.
type Options struct {
	Timeout              time.Duration
	AllowedSchemes       []string
	MaxRedirects         int
	AllowPrivateNetworks bool
}

// SaferClient is an http.Client that refuses requests to private,
// loopback and link-local addresses, including after redirects and DNS
// resolution
type SaferClient struct {
	*http.Client
	schemes      []string
	blockPrivate bool
	maxRedirects int
}

// New creates a client with opts applied
func New(opts Options) *SaferClient {
	c := &SaferClient{
		Client:       &http.Client{Timeout: opts.Timeout},
		schemes:      opts.AllowedSchemes,
		blockPrivate: !opts.AllowPrivateNetworks,
		maxRedirects: opts.MaxRedirects,
	}
	if len(c.schemes) == 0 {
		c.schemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 10
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if c.blockPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// resolve before dialling so a hostname cannot rebind to a private address
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Mark(errors.Newf("private IP address blocked: %s", ip), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	return c
}

func (c *SaferClient) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.schemes, scheme) {
		return errors.Mark(errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.schemes), ErrBlocked)
	}
	// http://evil.com@localhost/ style confusion
	if u.User != nil {
		return errors.Mark(errors.New("URL carries user info"), ErrBlocked)
	}
	host := u.Hostname()
	if host == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if !c.blockPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Mark(errors.New("localhost access blocked"), ErrBlocked)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Mark(errors.Newf("private IP address blocked: %s", host), ErrBlocked)
	}
	return nil
}

// ValidateURL parses raw and applies the client's URL policy
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do sends req after checking its URL
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

var privateV4 = []*net.IPNet{
	cidr("10.0.0.0/8"),
	cidr("172.16.0.0/12"),
	cidr("192.168.0.0/16"),
	cidr("127.0.0.0/8"),
	cidr("169.254.0.0/16"),
	cidr("0.0.0.0/8"),
	cidr("100.64.0.0/10"), // carrier-grade NAT
	cidr("224.0.0.0/4"),
	cidr("240.0.0.0/4"),
}

var privateV6 = []*net.IPNet{
	cidr("fc00::/7"),      // unique local
	cidr("fec0::/10"),     // site-local
	cidr("2001:db8::/32"), // documentation
}

func cidr(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, n := range privateV4 {
			if n.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
