package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
)

// The upstream validates browser session cookies against a browser-looking
// TLS ClientHello; Go's default handshake gets flagged. Outbound calls to
// the upstream therefore use a Chrome fingerprint via utls.

type browserConn struct{ *utls.UConn }

func (c *browserConn) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version: cs.Version, HandshakeComplete: cs.HandshakeComplete,
		DidResume: cs.DidResume, CipherSuite: cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol, ServerName: cs.ServerName,
		PeerCertificates: cs.PeerCertificates, VerifiedChains: cs.VerifiedChains,
	}
}

// proxyRotation cycles through the configured outbound proxies. With no
// proxies configured every dial is direct.
type proxyRotation struct {
	proxies []*url.URL
	cursor  atomic.Uint64
}

func newProxyRotation(raw []string) (*proxyRotation, error) {
	rot := &proxyRotation{}
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", s, err)
		}
		rot.proxies = append(rot.proxies, u)
	}
	return rot, nil
}

func (p *proxyRotation) next() *url.URL {
	if len(p.proxies) == 0 {
		return nil
	}
	n := p.cursor.Add(1) - 1
	return p.proxies[n%uint64(len(p.proxies))]
}

// browserDialer creates TLS connections with a Chrome ClientHello, tunneling
// through an HTTP CONNECT proxy when one is configured.
type browserDialer struct {
	dialer  *net.Dialer
	proxies *proxyRotation
}

func newBrowserDialer(connectTimeout time.Duration, proxies *proxyRotation) *browserDialer {
	if connectTimeout <= 0 {
		connectTimeout = 60 * time.Second
	}
	return &browserDialer{
		dialer: &net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		},
		proxies: proxies,
	}
}

func (d *browserDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = "443"
		addr = net.JoinHostPort(host, port)
	}

	var rawConn net.Conn
	if proxyURL := d.proxies.next(); proxyURL != nil {
		proxyConn, err := d.dialer.DialContext(ctx, "tcp", proxyURL.Host)
		if err != nil {
			return nil, fmt.Errorf("dial proxy: %w", err)
		}

		connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
		if proxyURL.User != nil {
			auth := proxyURL.User.Username()
			if pass, ok := proxyURL.User.Password(); ok {
				auth += ":" + pass
			}
			connectReq += "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(auth)) + "\r\n"
		}
		connectReq += "\r\n"

		if _, err := proxyConn.Write([]byte(connectReq)); err != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("write CONNECT: %w", err)
		}

		br := bufio.NewReader(proxyConn)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("read CONNECT response: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != 200 {
			proxyConn.Close()
			return nil, fmt.Errorf("CONNECT failed: %s", resp.Status)
		}
		rawConn = proxyConn
	} else {
		rawConn, err = d.dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
	}

	config := &utls.Config{
		ServerName: host,
		NextProtos: []string{"http/1.1"},
	}
	uConn := utls.UClient(rawConn, config, utls.HelloChrome_Auto)
	if err := uConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return &browserConn{UConn: uConn}, nil
}

// createBrowserTransport builds an http.Transport that handshakes with a
// Chrome fingerprint. HTTP/1.1 only; the advertised ALPN matches.
func createBrowserTransport(connectTimeout time.Duration, proxies *proxyRotation) *http.Transport {
	dialer := newBrowserDialer(connectTimeout, proxies)
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		DialTLSContext:        dialer.DialTLSContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		ForceAttemptHTTP2:     false,
	}
}

// hybridTransport routes upstream hosts through the fingerprinted transport
// and everything else through the standard one.
type hybridTransport struct {
	fingerprinted *http.Transport
	standard      http.RoundTripper
	upstreamHost  string
}

func newHybridTransport(standard http.RoundTripper, upstreamHost string, connectTimeout time.Duration, proxies *proxyRotation) *hybridTransport {
	return &hybridTransport{
		fingerprinted: createBrowserTransport(connectTimeout, proxies),
		standard:      standard,
		upstreamHost:  strings.ToLower(upstreamHost),
	}
}

func (h *hybridTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := strings.ToLower(req.URL.Hostname())
	if host == h.upstreamHost || strings.HasSuffix(host, "."+h.upstreamHost) {
		return h.fingerprinted.RoundTrip(req)
	}
	return h.standard.RoundTrip(req)
}

var _ http.RoundTripper = (*hybridTransport)(nil)
