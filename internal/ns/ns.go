// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the xmpp package and
// other internal packages.
package ns // import "git.sr.ht/~coreclient/xmpp/internal/ns"

// List of commonly used namespaces.
const (
	Client      = "jabber:client"
	Server      = "jabber:server"
	Stream      = "http://etherx.jabber.org/streams"
	Bind        = "urn:ietf:params:xml:ns:xmpp-bind"
	SASL        = "urn:ietf:params:xml:ns:xmpp-sasl"
	StartTLS    = "urn:ietf:params:xml:ns:xmpp-tls"
	Streams     = "urn:ietf:params:xml:ns:xmpp-streams"
	Stanzas     = "urn:ietf:params:xml:ns:xmpp-stanzas"
	XML         = "http://www.w3.org/XML/1998/namespace"
	Ping        = "urn:xmpp:ping"
	DiscoItems  = "http://jabber.org/protocol/disco#items"
	DiscoInfo   = "http://jabber.org/protocol/disco#info"
	Bytestreams = "http://jabber.org/protocol/bytestreams"
)
