// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package conn

import (
	"crypto/tls"
	"io/ioutil"
	"log"

	"git.sr.ht/~coreclient/xmpp/jid"
)

// Option's can be used to configure the connection.
type Option func(*options)
type options struct {
	log           *log.Logger
	tlsConfig     *tls.Config
	certValidator CertValidator
	mode          Mode
	raddr         *jid.JID
}

func getOpts(laddr *jid.JID, o ...Option) (res options) {
	for _, f := range o {
		f(&res)
	}

	// Log to /dev/null by default.
	if res.log == nil {
		res.log = log.New(ioutil.Discard, "", log.LstdFlags)
	}
	if res.raddr == nil {
		domain := laddr.Domain()
		res.raddr = &domain
	}
	return
}

// The Logger option sets the connection's logger. XMPPConn itself writes no
// log messages to it.
func Logger(logger *log.Logger) Option {
	return func(o *options) {
		o.log = logger
	}
}

// The Remote option sets the address reported by RemoteAddr. New always
// replaces it with its own raddr argument, so the option has no effect on
// connections made by New.
func Remote(addr *jid.JID) Option {
	return func(o *options) {
		o.raddr = addr
	}
}

// The TLS option fully configures the TLS connection options including the
// certificate chains used, cipher suites, etc.
func TLS(config *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = config
	}
}

// TLSMode selects whether and when the connection is wrapped in TLS. The
// default is None. With TLSSocket, New performs the TLS handshake before it
// returns; with StartTLS the connection stays in the clear until the caller
// calls XMPPConn.UpgradeTLS.
func TLSMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// Validator installs a CertValidator invoked in place of ordinary
// certificate chain verification during the TLS handshake. Leaving this
// unset means any certificate that does not verify against the system (or
// tls.Config-supplied) root pool is rejected.
func Validator(v CertValidator) Option {
	return func(o *options) {
		o.certValidator = v
	}
}
