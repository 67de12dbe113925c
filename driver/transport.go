package driver

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// NewTransport returns an http.Transport that egresses through proxyURL.
// http and https proxies go through CONNECT, socks5 through a SOCKS dialer.
// A nil proxyURL yields a direct transport.
func NewTransport(proxyURL *url.URL) (*http.Transport, error) {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyURL == nil {
		return tr, nil
	}

	switch proxyURL.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *xproxy.Auth
		if u := proxyURL.User; u != nil {
			password, _ := u.Password()
			auth = &xproxy.Auth{User: u.Username(), Password: password}
		}
		d, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("cannot build socks5 dialer for %q: %s", proxyURL.Host, err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %q does not support contexts", proxyURL.Host)
		}
		tr.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return tr, nil
}

// NewClient wraps NewTransport in an http.Client. The client carries no
// overall timeout; callers bound individual requests with contexts.
func NewClient(proxyURL *url.URL) (*http.Client, error) {
	tr, err := NewTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}
