// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"net"
	"sync"
	"time"

	"git.sr.ht/~coreclient/xmpp/internal/stream"
	"git.sr.ht/~coreclient/xmpp/jid"
)

// Mode selects how, if at all, the connection is protected with TLS.
type Mode int

const (
	// None never wraps the connection in TLS.
	None Mode = iota
	// StartTLS leaves the connection in the clear until UpgradeTLS is called
	// (normally in response to the server advertising <starttls/>).
	StartTLS
	// TLSSocket wraps the connection in TLS immediately after the TCP
	// handshake completes, before any XMPP bytes are exchanged.
	TLSSocket
)

// ErrDisconnected is returned by Send, Write, and ReadElement once a prior
// I/O error has made the connection permanently unusable.
var ErrDisconnected = errors.New("conn: connection is disconnected")

// CertValidator is a caller-supplied predicate over the peer's certificate
// chain, invoked during the TLS handshake in place of ordinary chain
// verification. A nil CertValidator (the default) falls back to the
// tls.Config's normal verification, which rejects any certificate that
// does not chain to a trusted root — this module never trusts an
// unvalidated certificate by default.
type CertValidator func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

type XMPPConn struct {
	opts  options
	conn  net.Conn
	laddr *jid.JID

	writeMu sync.Mutex

	mu           sync.Mutex
	disconnected bool

	dec *xml.Decoder
	rdr xml.TokenReader
}

// New wraps an already-established net.Conn (for instance one obtained from
// a caller-driven SRV lookup and dial, as client.Client performs so it can
// expose and advance its own failover cursor) as an XMPPConn. If opts
// configure TLSSocket mode, the connection is wrapped in TLS before New
// returns.
func New(rwc net.Conn, raddr *jid.JID, opts ...Option) (*XMPPConn, error) {
	c := &XMPPConn{
		opts: getOpts(&jid.JID{}, opts...),
		conn: rwc,
	}
	c.opts.raddr = raddr

	if c.opts.mode == TLSSocket {
		if err := c.UpgradeTLS(raddr.Domainpart()); err != nil {
			return nil, err
		}
	}
	c.resetReader()
	return c, nil
}

// UpgradeTLS wraps the underlying connection in TLS, using the configured
// tls.Config (or a default one that verifies the peer's name against host)
// and the configured CertValidator, if any. It is used both for TLSSocket
// mode at dial time and to perform a STARTTLS upgrade mid-stream, and in
// either case resets the pull-style element reader so the caller must
// restart XML stream parsing afterwards.
func (c *XMPPConn) UpgradeTLS(host string) error {
	cfg := c.opts.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if c.opts.certValidator != nil {
		validator := c.opts.certValidator
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			return validator(rawCerts, verifiedChains)
		}
	}
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	c.conn = tlsConn
	c.resetReader()
	return nil
}

// SendStreamHeader writes a fresh opening stream tag to the connection,
// delegating the actual serialization to internal/stream.Send. The caller
// (client.Client) decides when a stream restart is required; this method
// only performs the write.
func (c *XMPPConn) SendStreamHeader(s2s bool, version stream.Version, lang, location, origin, id string) (stream.Info, error) {
	if c.isDisconnected() {
		return stream.Info{}, ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	info, err := stream.Send(c.conn, s2s, version, lang, location, origin, id)
	if err != nil {
		c.markDisconnected()
	}
	return info, err
}

// ExpectStreamHeader reads and validates the next opening stream tag from
// the connection, discarding any XML parser state accumulated so far. On
// success the connection's steady-state element reader (ReadElement) is
// rebuilt around the new parser; on failure the connection is marked
// disconnected.
func (c *XMPPConn) ExpectStreamHeader(ctx context.Context, recv bool) (stream.Info, error) {
	if c.isDisconnected() {
		return stream.Info{}, ErrDisconnected
	}
	c.dec = xml.NewDecoder(c.conn)
	info, err := stream.Expect(ctx, c.dec, recv)
	if err != nil {
		c.markDisconnected()
		return info, err
	}
	c.rdr = stream.Reader(c.dec)
	return info, nil
}

// Restart performs an XMPP stream restart: it writes a new opening stream
// tag and then waits for the peer's own opening tag, as required after
// STARTTLS and after successful SASL negotiation. It does not touch the
// underlying transport; callers that need a TLS upgrade first must call
// UpgradeTLS before Restart.
func (c *XMPPConn) Restart(ctx context.Context, s2s bool, version stream.Version, lang, location, origin, id string) (stream.Info, error) {
	if _, err := c.SendStreamHeader(s2s, version, lang, location, origin, id); err != nil {
		return stream.Info{}, err
	}
	return c.ExpectStreamHeader(ctx, false)
}

// resetReader discards any pending parser state and starts fresh XML
// decoding over the current connection. New and UpgradeTLS call it when the
// underlying connection changes; a stream restart instead gets a fresh
// decoder from ExpectStreamHeader.
func (c *XMPPConn) resetReader() {
	c.dec = xml.NewDecoder(c.conn)
	c.rdr = stream.Reader(c.dec)
}

// ReadElement blocks until the next top-level child of the XML stream is
// available and returns its start element, along with the xml.Decoder
// positioned just after it; the element's children and end tag are still on
// the decoder for the caller to read. If allowed is
// non-empty and the element's local name is not among the allowed set, a
// protocol error is returned. Any I/O or XML error marks the connection
// disconnected.
func (c *XMPPConn) ReadElement(allowed ...string) (xml.StartElement, *xml.Decoder, error) {
	if c.isDisconnected() {
		return xml.StartElement{}, nil, ErrDisconnected
	}
	for {
		tok, err := c.rdr.Token()
		if err != nil {
			c.markDisconnected()
			return xml.StartElement{}, nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			// Whitespace and other non-element tokens between top-level
			// children are tolerated silently.
			continue
		}
		if len(allowed) > 0 && !contains(allowed, start.Name.Local) {
			c.markDisconnected()
			return xml.StartElement{}, nil, errors.New("conn: unexpected element " + start.Name.Local)
		}
		return start, c.dec, nil
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (c *XMPPConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *XMPPConn) markDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

// Send writes b to the connection under the write mutex so that concurrent
// senders cannot interleave bytes on the wire.
func (c *XMPPConn) Send(b []byte) (int, error) {
	if c.isDisconnected() {
		return 0, ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.conn.Write(b)
	if err != nil {
		c.markDisconnected()
	}
	return n, err
}

// Read reads data from the connection.
func (c *XMPPConn) Read(b []byte) (n int, err error) {
	return c.conn.Read(b)
}

// Write writes data to the connection under the write mutex. It satisfies
// io.Writer for callers (such as an xml.Encoder) that write directly to the
// connection outside of ReadElement/Send.
func (c *XMPPConn) Write(b []byte) (n int, err error) {
	return c.Send(b)
}

// Close closes the connection.
// Any blocked Read or Write operations will be unblocked and return errors.
func (c *XMPPConn) Close() error {
	c.markDisconnected()
	return c.conn.Close()
}

// LocalAddr returns the local address as a *jid.JID. New does not record a
// local address, so for connections made by New the result holds a nil
// *jid.JID.
func (c *XMPPConn) LocalAddr() net.Addr {
	return c.laddr
}

// RemoteAddr returns the remote network address as a JID.
func (c *XMPPConn) RemoteAddr() net.Addr {
	return c.opts.raddr
}

// SetDeadline sets the read and write deadlines associated with the connection.
// It is equivalent to calling both SetReadDeadline and SetWriteDeadline.
//
// A deadline is an absolute time after which I/O operations fail with a timeout
// (see type Error) instead of blocking. The deadline applies to all future I/O,
// not just the immediately following call to Read or Write.
//
// An idle timeout can be implemented by repeatedly extending the deadline after
// successful Read or Write calls.
//
// A zero value for t means I/O operations will not time out.
func (c *XMPPConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls. A zero value for t
// means Read will not time out.
func (c *XMPPConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future Write calls. Even if write
// times out, it may return n > 0, indicating that some of the data was
// successfully written. A zero value for t means Write will not time out.
func (c *XMPPConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
