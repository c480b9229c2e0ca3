// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package stanza contains the three top level XMPP stanzas: message,
// presence, and iq, as described by RFC 6120.
package stanza // import "git.sr.ht/~coreclient/xmpp/stanza"
