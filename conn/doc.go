// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package conn is the module's Wire Transport: it owns a byte-oriented
// connection that is first TCP, then optionally wrapped in TLS, and
// provides framed, mutex-serialized sends plus a pull-style XML element
// reader. It does not interpret stanza-level XML itself.
//
// Be advised: This API is still unstable and is subject to change.
package conn // import "git.sr.ht/~coreclient/xmpp/conn"
