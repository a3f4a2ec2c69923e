// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketSubProtocol is the AMQP-over-WebSocket sub-protocol
const WebSocketSubProtocol = "amqpwsb10"

// webSocketPath is the hub's WebSocket endpoint
const webSocketPath = "/$iothub/websocket"

// DisableHostnameVerificationEnv names the environment switch that disables
// TLS hostname-mismatch rejection. Certificate chains are still verified.
// This exists for legacy and test environments only; the default is strict.
const DisableHostnameVerificationEnv = "HUB_DISABLE_HOSTNAME_VERIFICATION"

// dial negotiates the transport: TCP+TLS on the AMQPS port first, WebSocket
// when TCP is blocked or explicitly requested. The returned bool reports
// whether the WebSocket path was taken.
func (m *Manager) dial(ctx context.Context) (*amqp.Conn, bool, error) {
	options := m.connOptions()
	if !m.config.WebSocket {
		conn, err := amqp.Dial(ctx, "amqps://"+m.config.HostName, options)
		if err == nil {
			return conn, false, nil
		}
		if isCertificateError(err) {
			return nil, false, &AuthenticationError{Op: "dial", Err: err}
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		m.ctx.WithError(err).Warn("Could not connect over TCP, falling back to WebSocket")
	}
	netConn, err := m.dialWebSocket(ctx)
	if err != nil {
		if isCertificateError(err) {
			return nil, true, &AuthenticationError{Op: "dial websocket", Err: err}
		}
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		return nil, true, classifyTransport("dial websocket", err)
	}
	conn, err := amqp.NewConn(ctx, netConn, options)
	if err != nil {
		netConn.Close()
		return nil, true, classifyTransport("open websocket connection", err)
	}
	return conn, true, nil
}

func (m *Manager) connOptions() *amqp.ConnOptions {
	return &amqp.ConnOptions{
		HostName:    m.config.HostName,
		SASLType:    amqp.SASLTypeAnonymous(),
		TLSConfig:   m.tlsConfig(),
		ContainerID: "hub-service-connector-" + uuid.NewString(),
		Properties: map[string]any{
			"client-version": ClientVersion,
		},
	}
}

// dialWebSocket connects the hub's WebSocket endpoint, retrying with backoff
// within the caller's remaining time budget. Proxy settings apply to this
// path only.
func (m *Manager) dialWebSocket(ctx context.Context) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: m.tlsConfig(),
		Subprotocols:    []string{WebSocketSubProtocol},
	}
	if m.config.ProxyURL != "" {
		proxy, err := url.Parse(m.config.ProxyURL)
		if err != nil {
			return nil, err
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}
	address := "wss://" + m.config.HostName + webSocketPath

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		wsConn, _, err := dialer.DialContext(ctx, address, nil)
		if err != nil {
			if isCertificateError(err) {
				return backoff.Permanent(err)
			}
			m.ctx.WithError(err).Warn("Error trying to connect WebSocket")
			return err
		}
		conn = wsConn
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return nil, err
	}
	return &webSocketConn{conn: conn}, nil
}

// tlsConfig returns the effective TLS settings, applying the hostname
// verification escape hatch when the environment switch is set.
func (m *Manager) tlsConfig() *tls.Config {
	config := m.config.TLSConfig
	if config == nil {
		config = &tls.Config{}
	} else {
		config = config.Clone()
	}
	if config.ServerName == "" {
		config.ServerName = m.config.HostName
	}
	if disabled, _ := strconv.ParseBool(os.Getenv(DisableHostnameVerificationEnv)); disabled {
		config.InsecureSkipVerify = true
		config.VerifyPeerCertificate = verifyChainOnly(config.RootCAs)
	}
	return config
}

// verifyChainOnly validates the peer's certificate chain against the given
// (or system) roots without matching the host name.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificates presented")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		options := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			options.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(options)
		return err
	}
}

func isCertificateError(err error) bool {
	var hostname x509.HostnameError
	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var verification *tls.CertificateVerificationError
	return errors.As(err, &hostname) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification)
}

// webSocketConn adapts a WebSocket connection to net.Conn for the AMQP
// library: writes become binary messages, reads drain message frames.
type webSocketConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *webSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, reader, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = reader
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *webSocketConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *webSocketConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *webSocketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *webSocketConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *webSocketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
