// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"time"

	"git.sr.ht/~coreclient/xmpp/conn"
)

// ErrInvalidIQTimeout is returned by New when an IQTimeout option specifies
// a negative duration other than the sentinel -1 (infinite).
var ErrInvalidIQTimeout = errors.New("client: IQTimeout must be -1 (infinite) or non-negative")

// Option's can be used to configure the client.
type Option func(*config)

type config struct {
	user, pass string
	resource   string

	tlsMode       conn.Mode
	certValidator conn.CertValidator

	resolver *net.Resolver
	// dialFunc, when set, replaces the net.Dialer used by Connect. Unset in
	// the public API; tests in this package use it to substitute a net.Pipe
	// end for the TCP dial.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	iqTimeout    time.Duration
	queueSize    int
	debugStanzas bool

	log *log.Logger
}

func getConfig(opts ...Option) (config, error) {
	c := config{
		tlsMode:   conn.StartTLS,
		iqTimeout: -1,
		queueSize: 64,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.log == nil {
		c.log = log.New(io.Discard, "", log.LstdFlags)
	}
	if c.iqTimeout < 0 && c.iqTimeout != -1 {
		return c, ErrInvalidIQTimeout
	}
	return c, nil
}

// Credentials configures the username and password used during
// authentication. If unset, Connect stops after STARTTLS negotiation in
// anonymous/deferred-auth mode and Bound reports false.
func Credentials(user, pass string) Option {
	return func(c *config) {
		c.user = user
		c.pass = pass
	}
}

// Resource requests a preferred resourcepart during resource binding. If
// empty, the server chooses one.
func Resource(resource string) Option {
	return func(c *config) {
		c.resource = resource
	}
}

// TLSMode selects whether and when the connection is protected with TLS.
// The default is conn.StartTLS.
func TLSMode(m conn.Mode) Option {
	return func(c *config) {
		c.tlsMode = m
	}
}

// CertValidator installs a predicate invoked in place of ordinary
// certificate chain verification during the TLS handshake. Leaving this
// unset means any certificate that does not verify against the system root
// pool is rejected; the client never trusts an unvalidated certificate by
// default.
func CertValidator(v conn.CertValidator) Option {
	return func(c *config) {
		c.certValidator = v
	}
}

// Resolver overrides the *net.Resolver used for SRV lookups. The default is
// net.DefaultResolver.
func Resolver(r *net.Resolver) Option {
	return func(c *config) {
		c.resolver = r
	}
}

// IQTimeout sets the default timeout used by IQRequestBlocking when the
// caller passes zero. -1 (the default) means wait indefinitely; any other
// negative duration is rejected by New.
func IQTimeout(d time.Duration) Option {
	return func(c *config) {
		c.iqTimeout = d
	}
}

// QueueSize sets the capacity of the bounded channel connecting the reader
// loop to the dispatcher loop. The default is 64.
func QueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// DebugStanzas causes the client to log the id and type of every stanza
// received, and of every message and presence sent, at the configured
// Logger. IQs sent are not logged.
func DebugStanzas(debug bool) Option {
	return func(c *config) {
		c.debugStanzas = debug
	}
}

// Logger installs a logger used for debug and warning output (orphaned IQ
// responses, dispatcher handler panics, etc). The default discards output.
func Logger(logger *log.Logger) Option {
	return func(c *config) {
		c.log = logger
	}
}
