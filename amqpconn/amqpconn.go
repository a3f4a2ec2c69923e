// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/hub-service-connector/holder"
	"github.com/TheThingsNetwork/hub-service-connector/token"
	"github.com/apex/log"
)

// ClientVersion is reported to the hub in connection and link properties
var ClientVersion = "hub-service-connector/1.0.0"

// DefaultOperationTimeout is applied to operations whose context carries no deadline
var DefaultOperationTimeout = time.Minute

// Config contains configuration for the connection Manager
type Config struct {
	// HostName of the hub, without scheme or port
	HostName string
	// TokenProvider signs the claims-based-security tokens
	TokenProvider token.Provider
	// WebSocket forces WebSocket transport instead of using it as fallback
	WebSocket bool
	// ProxyURL is used on the WebSocket path only
	ProxyURL string
	// TLSConfig overrides the TLS settings for both transports
	TLSConfig *tls.Config
	// OperationTimeout bounds operations that have no caller-supplied deadline
	OperationTimeout time.Duration
}

// State of the connection Manager
type State int32

// Connection states
const (
	StateUnopened State = iota
	StateConnecting
	StateOpen
	StateFaulted
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "Unopened"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateFaulted:
		return "Faulted"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// session is the fault-tolerant resource held by the Manager: the one open
// AMQP session plus the connection that carries it.
type session struct {
	conn      *amqp.Conn
	session   *amqp.Session
	websocket bool
}

func (s *session) transport() string {
	if s.websocket {
		return "websocket"
	}
	return "tcp"
}

// Manager produces and maintains a single open session to the hub
type Manager struct {
	config    Config
	ctx       log.Interface
	session   *holder.Holder[*session]
	refresher *refresher

	deliveryTag atomic.Uint64
	state       atomic.Int32
}

// New returns a new connection Manager. The connection is not dialed until
// the first operation needs it.
func New(config Config, ctx log.Interface) (*Manager, error) {
	if config.HostName == "" {
		return nil, ErrNoHostName
	}
	if config.TokenProvider == nil {
		return nil, ErrNoTokenProvider
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	m := &Manager{
		config: config,
		ctx:    ctx.WithField("Connector", "AMQP"),
	}
	m.session = holder.New(m.connect, m.disconnect,
		holder.WithCreateTimeout[*session](config.OperationTimeout))
	m.refresher = newRefresher(m.refreshToken, config.OperationTimeout, m.ctx)
	return m, nil
}

// State returns the current connection state
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(state State) {
	previous := State(m.state.Swap(int32(state)))
	if previous != state {
		m.ctx.Debugf("Connection state %s -> %s", previous, state)
	}
}

// Open establishes the connection, session and security context. Operations
// trigger this lazily; calling Open is only needed to fail fast.
func (m *Manager) Open(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.session.GetOrCreate(ctx)
	return err
}

// Close tears down the session and the underlying connection. Close is
// idempotent; the Manager must not be used afterwards.
func (m *Manager) Close() error {
	m.setState(StateClosing)
	m.refresher.stop()
	ctx, cancel := context.WithTimeout(context.Background(), m.config.OperationTimeout)
	defer cancel()
	m.session.Close(ctx)
	m.setState(StateClosed)
	return nil
}

// NextDeliveryTag returns a delivery tag that is unique among in-flight sends
// on this connection. The counter is shared by all links and is not reset
// across reconnects.
func (m *Manager) NextDeliveryTag() []byte {
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, m.deliveryTag.Add(1))
	return tag
}

// audience is the resource scope asserted in the security token
func (m *Manager) audience() string {
	return m.config.HostName
}

// connect is the session holder's factory: it negotiates the transport,
// opens the AMQP connection and session and performs the CBS handshake.
func (m *Manager) connect(ctx context.Context) (*session, error) {
	m.setState(StateConnecting)
	conn, websocket, err := m.dial(ctx)
	if err != nil {
		m.setState(StateUnopened)
		return nil, err
	}
	amqpSession, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		m.setState(StateUnopened)
		return nil, classifyTransport("create session", err)
	}
	s := &session{conn: conn, session: amqpSession, websocket: websocket}
	expires, err := m.authenticate(ctx, s)
	if err != nil {
		amqpSession.Close(context.Background())
		conn.Close()
		m.setState(StateUnopened)
		return nil, err
	}
	go m.watch(s)
	m.refresher.schedule(expires)
	m.setState(StateOpen)
	connectsTotal.WithLabelValues(s.transport()).Inc()
	m.ctx.WithField("Transport", s.transport()).Info("Connected")
	return s, nil
}

// disconnect is the session holder's teardown
func (m *Manager) disconnect(ctx context.Context, s *session) {
	if err := s.session.Close(ctx); err != nil {
		m.ctx.WithError(err).Debug("Could not close session cleanly")
	}
	if err := s.conn.Close(); err != nil {
		m.ctx.WithError(err).Debug("Could not close connection cleanly")
	}
	m.ctx.Info("Disconnected")
}

// watch invalidates the session cache when the peer closes the connection,
// so that the next acquisition reconnects instead of reusing a dead handle.
func (m *Manager) watch(s *session) {
	<-s.conn.Done()
	m.session.InvalidateResource(s)
	switch m.State() {
	case StateClosing, StateClosed:
	default:
		m.setState(StateFaulted)
		connectionFaults.Inc()
		m.ctx.WithError(s.conn.Err()).Warn("Connection closed by peer")
	}
}

// invalidateOnTransportError evicts the session when an operation on it
// reported a connection or session level fault.
func (m *Manager) invalidateOnTransportError(s *session, err error) {
	if isConnectionFault(err) {
		m.session.InvalidateResource(s)
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.OperationTimeout)
}
