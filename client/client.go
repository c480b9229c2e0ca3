// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"sync"

	"git.sr.ht/~coreclient/xmpp/conn"
	"git.sr.ht/~coreclient/xmpp/internal/discover"
	"git.sr.ht/~coreclient/xmpp/jid"
	"git.sr.ht/~coreclient/xmpp/stanza"
)

// Errors returned by Client methods.
var (
	ErrClosed       = errors.New("client: closed")
	ErrDisconnected = errors.New("client: session disconnected")
	ErrTimeout      = errors.New("client: request timed out")
	ErrSRVExhausted = errors.New("client: no more hosts to try")
	ErrNotAResponse = errors.New("client: IQResponse requires a result or error IQ")
)

// AuthenticationFailedError is returned by Connect and Authenticate when the
// handshake fails for a reason the caller might recover from by retrying
// with different settings or credentials.
type AuthenticationFailedError struct {
	Reason string
}

func (e *AuthenticationFailedError) Error() string {
	return "client: authentication failed: " + e.Reason
}

// ProtocolViolationError marks a handshake or stream-level failure caused by
// the peer sending something the protocol does not allow.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "client: protocol violation: " + e.Reason
}

// State is a bitmask describing the lifecycle of a session, mirroring the
// session states enumerated in §3 of the specification this package
// implements (disconnected, tcp-open, tls-open, authenticated,
// resource-bound).
type State uint8

const (
	// StateSecure is set once the connection is protected by TLS, whether
	// negotiated via STARTTLS or dialed directly in TLSSocket mode.
	StateSecure State = 1 << iota
	// StateAuthenticated is set once SASL negotiation completes.
	StateAuthenticated
	// StateBound is set once a resource has been bound and Client.LocalAddr
	// reports a full JID.
	StateBound
)

// IQCallback is invoked with an IQ response and its payload by
// IQRequestAsync, off the reader loop, per the "ad-hoc await inside reader"
// note.
type IQCallback func(stanza.IQ, xml.TokenReader)

// Client drives a single C2S session to the domain it was created with. The
// zero value is not usable; construct one with New.
type Client struct {
	cfg    config
	domain jid.JID

	mu           sync.Mutex
	state        State
	closed       bool
	shuttingDown bool
	disconnected bool
	origin       jid.JID
	conn         *conn.XMPPConn

	resolver *net.Resolver
	srvAddrs []*net.SRV
	srvIndex int

	waiterCtx      context.Context
	waiterCancel   context.CancelFunc
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	loopWG         sync.WaitGroup

	queue chan queuedStanza

	// sendMu serializes whole logical writes (an encoded stanza may span
	// several underlying Write calls) so that two concurrent senders can
	// never interleave their output, per §5's single write critical
	// section. conn.XMPPConn.Send only serializes at the granularity of one
	// Write call, which is not enough on its own.
	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingIQ

	eventMu    sync.Mutex
	onError    []func(error)
	onIQ       []func(stanza.IQ, xml.TokenReader)
	onMessage  []func(stanza.Message, xml.TokenReader)
	onPresence []func(stanza.Presence, xml.TokenReader)

	// PingTimeoutDisconnect preserves the source's "a timed-out ping to our
	// own domain means the session is dead" heuristic (§4.4.4, flagged in
	// §9 as unusual but kept as-is). Defaults to true.
	PingTimeoutDisconnect bool
}

// New creates a Client for the given server domain. domain's resourcepart,
// if any, is ignored; use Resource to request one.
func New(domain jid.JID, opts ...Option) (*Client, error) {
	cfg, err := getConfig(opts...)
	if err != nil {
		return nil, err
	}
	resolver := cfg.resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Client{
		cfg:                   cfg,
		domain:                domain.Bare(),
		resolver:              resolver,
		pending:               make(map[string]*pendingIQ),
		PingTimeoutDisconnect: true,
	}, nil
}

// NextHost reports the host:port that the next call to Connect will try, or
// the empty string if the SRV failover cursor is exhausted or has not been
// populated by a lookup yet.
func (c *Client) NextHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srvIndex >= len(c.srvAddrs) {
		return ""
	}
	addr := c.srvAddrs[c.srvIndex]
	return net.JoinHostPort(addr.Target, strconv.Itoa(int(addr.Port)))
}

// Secure reports whether the current connection is protected by TLS.
func (c *Client) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state&StateSecure != 0
}

// Authenticated reports whether SASL negotiation has completed.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state&StateAuthenticated != 0
}

// Bound reports whether a resource has been bound.
func (c *Client) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state&StateBound != 0
}

// LocalAddr returns the full bound JID, or the bare configured domain if no
// resource has been bound yet.
func (c *Client) LocalAddr() jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state&StateBound != 0 {
		return c.origin
	}
	return c.domain
}

func (c *Client) resolveSRV(ctx context.Context) error {
	c.mu.Lock()
	haveAddrs := len(c.srvAddrs) > 0
	c.mu.Unlock()
	if haveAddrs {
		return nil
	}
	service := "xmpp-client"
	if c.cfg.tlsMode == conn.TLSSocket {
		service = "xmpps-client"
	}
	addrs, err := discover.LookupServiceByDomain(ctx, c.resolver, service, c.domain.Domainpart())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.srvAddrs = addrs
	c.srvIndex = 0
	c.mu.Unlock()
	return nil
}

func (c *Client) nextSRV() (*net.SRV, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srvIndex >= len(c.srvAddrs) {
		return nil, false
	}
	addr := c.srvAddrs[c.srvIndex]
	c.srvIndex++
	return addr, true
}

// Connect tries exactly one host: the one currently at the SRV failover
// cursor (populated by a lookup on the first call). The cursor advances by
// one regardless of outcome; callers that want to try the remaining hosts
// after a failure call Connect again. On success, Connect performs the full
// ordered handshake of §4.4.2 and starts the reader and dispatcher loops.
// If no username is configured, Connect returns after STARTTLS negotiation
// in anonymous/deferred-auth mode and Bound reports false.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.resolveSRV(ctx); err != nil {
		return err
	}
	addr, ok := c.nextSRV()
	if !ok {
		return ErrSRVExhausted
	}

	dial := c.cfg.dialFunc
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	netConn, err := dial(ctx, "tcp", net.JoinHostPort(addr.Target, strconv.Itoa(int(addr.Port))))
	if err != nil {
		return err
	}

	raddr, err := jid.New("", c.domain.Domainpart(), "")
	if err != nil {
		netConn.Close()
		return err
	}

	var connOpts []conn.Option
	if c.cfg.tlsMode == conn.TLSSocket {
		connOpts = append(connOpts, conn.TLSMode(conn.TLSSocket))
	}
	if c.cfg.certValidator != nil {
		connOpts = append(connOpts, conn.Validator(c.cfg.certValidator))
	}
	xc, err := conn.New(netConn, &raddr, connOpts...)
	if err != nil {
		netConn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = xc
	c.state = 0
	c.disconnected = false
	if c.cfg.tlsMode == conn.TLSSocket {
		c.state |= StateSecure
	}
	c.origin = jid.JID{}
	c.mu.Unlock()

	if err := c.negotiate(ctx); err != nil {
		xc.Close()
		return err
	}

	c.startLoops()
	return nil
}

// Authenticate tears down any existing connection and reconnects with the
// given credentials, re-running the full handshake.
func (c *Client) Authenticate(ctx context.Context, user, pass string) error {
	c.teardown()
	c.cfg.user = user
	c.cfg.pass = pass
	return c.Connect(ctx)
}

func (c *Client) startLoops() {
	c.mu.Lock()
	c.waiterCtx, c.waiterCancel = context.WithCancel(context.Background())
	c.dispatchCtx, c.dispatchCancel = context.WithCancel(context.Background())
	c.queue = make(chan queuedStanza, c.cfg.queueSize)
	c.mu.Unlock()

	c.loopWG.Add(2)
	go c.readLoop()
	go c.dispatchLoop()
}

// teardown cancels the loops and closes the connection without marking the
// client permanently closed, so Authenticate can Connect again afterward.
func (c *Client) teardown() {
	c.mu.Lock()
	c.shuttingDown = true
	waiterCancel := c.waiterCancel
	dispatchCancel := c.dispatchCancel
	xc := c.conn
	c.mu.Unlock()

	if waiterCancel != nil {
		waiterCancel()
	}
	if dispatchCancel != nil {
		dispatchCancel()
	}
	if xc != nil {
		xc.Close()
	}
	c.failAllPending()
	c.loopWG.Wait()

	c.mu.Lock()
	c.shuttingDown = false
	c.mu.Unlock()
}

// Close sends the closing stream tag, cancels the waiter and dispatcher
// signals (waiters first, then the dispatcher, per §5), and tears down the
// connection. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.shuttingDown = true
	xc := c.conn
	waiterCancel := c.waiterCancel
	dispatchCancel := c.dispatchCancel
	c.mu.Unlock()

	if waiterCancel != nil {
		waiterCancel()
	}
	var sendErr error
	if xc != nil {
		_, sendErr = xc.Send([]byte(`</stream:stream>`))
	}
	if dispatchCancel != nil {
		dispatchCancel()
	}
	c.failAllPending()

	var closeErr error
	if xc != nil {
		closeErr = xc.Close()
	}
	c.loopWG.Wait()

	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

// OnError registers a subscriber invoked whenever the session raises an
// error event (typically a fatal reader error).
func (c *Client) OnError(f func(error)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onError = append(c.onError, f)
}

// OnIQ registers a subscriber invoked for every inbound IQ request (not
// response).
func (c *Client) OnIQ(f func(stanza.IQ, xml.TokenReader)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onIQ = append(c.onIQ, f)
}

// OnMessage registers a subscriber invoked for every inbound message.
func (c *Client) OnMessage(f func(stanza.Message, xml.TokenReader)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onMessage = append(c.onMessage, f)
}

// OnPresence registers a subscriber invoked for every inbound presence.
func (c *Client) OnPresence(f func(stanza.Presence, xml.TokenReader)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onPresence = append(c.onPresence, f)
}

func (c *Client) raiseError(err error) {
	c.eventMu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.eventMu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.cfg.log.Printf("client: recovered from OnError handler panic: %v", r)
				}
			}()
			h(err)
		}()
	}
}

// markDisconnected tears the session down in place: it cancels both
// session-wide signals, closes the connection (which unblocks the reader
// loop's pending read so it can exit), clears the state bits, and raises
// the error event unless the teardown was requested by Close or
// Authenticate themselves. It is idempotent: closing the connection itself
// triggers the reader loop's own fatalReadError, which would otherwise
// reach this function a second time for the same disconnect.
func (c *Client) markDisconnected(cause error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	waiterCancel := c.waiterCancel
	dispatchCancel := c.dispatchCancel
	intentional := c.shuttingDown
	xc := c.conn
	c.state = 0
	c.mu.Unlock()
	if waiterCancel != nil {
		waiterCancel()
	}
	if dispatchCancel != nil {
		dispatchCancel()
	}
	if xc != nil {
		xc.Close()
	}
	c.failAllPending()
	if !intentional {
		c.raiseError(cause)
	}
}
