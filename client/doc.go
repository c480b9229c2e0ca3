// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package client drives a single client-to-server (C2S) XMPP session: stream
// negotiation, STARTTLS, SASL authentication, resource binding, and the
// steady-state reader/dispatcher loops that turn wire bytes into stanza
// events and back.
package client // import "git.sr.ht/~coreclient/xmpp/client"
