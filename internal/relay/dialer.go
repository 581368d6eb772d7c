package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/burpheart/proxycord/internal/httpstream"
)

// Dialer opens upstream connections, optionally through an upstream proxy.
type Dialer struct {
	UpstreamProxy string
	Timeout       time.Duration
}

// NewDialer creates a new dialer.
func NewDialer(upstreamProxy string, timeout time.Duration) *Dialer {
	return &Dialer{
		UpstreamProxy: upstreamProxy,
		Timeout:       timeout,
	}
}

// DialContext connects to addr, through the upstream proxy when one is set.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	direct := &net.Dialer{Timeout: d.Timeout}
	if d.UpstreamProxy == "" {
		return direct.DialContext(ctx, network, addr)
	}

	proxyURL, err := url.Parse(d.UpstreamProxy)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy: %w", err)
	}

	switch proxyURL.Scheme {
	case "http":
		return d.dialHTTPProxy(ctx, direct, proxyURL, addr)
	case "socks5", "socks5h":
		if proxyURL.Port() == "" {
			proxyURL.Host = net.JoinHostPort(proxyURL.Hostname(), "1080")
		}
		// DNS resolution is performed by the proxy server, not locally.
		socks, err := proxy.FromURL(proxyURL, direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 upstream proxy: %w", err)
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return socks.Dial(network, addr)
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", proxyURL.Scheme)
	}
}

// dialHTTPProxy opens a CONNECT tunnel through an HTTP proxy.
func (d *Dialer) dialHTTPProxy(ctx context.Context, direct *net.Dialer, proxyURL *url.URL, targetAddr string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "8080")
	}

	conn, err := direct.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to http proxy: %w", err)
	}
	if d.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.Timeout))
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + password))
		connectReq += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := io.WriteString(conn, connectReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT request: %w", err)
	}

	resp, err := readConnectResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Status != 200 {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %d %s", resp.Status, resp.Reason)
	}
	conn.SetDeadline(time.Time{})

	if len(resp.Leftover) > 0 {
		return &bufferedConn{Conn: conn, reader: io.MultiReader(bytes.NewReader(resp.Leftover), conn)}, nil
	}
	return conn, nil
}

// readConnectResponse reads until the proxy's reply to CONNECT is complete.
func readConnectResponse(conn net.Conn) (*httpstream.Response, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if n > 0 {
			// A CONNECT reply has no body whatever its headers say.
			resp, perr := httpstream.ParseResponse(buf, "HEAD")
			if perr == nil {
				return resp, nil
			}
			if !errors.Is(perr, httpstream.ErrIncomplete) {
				return nil, fmt.Errorf("read proxy response: %w", perr)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read proxy response: %w", err)
		}
	}
}

// bufferedConn replays bytes that arrived with the proxy's reply.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
