// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package sasl drives the challenge/response phases of the Simple
// Authentication and Security Layer mechanisms used during the XMPP
// handshake (PLAIN, DIGEST-MD5, SCRAM-SHA-1), and selects the strongest
// mechanism a server advertises.
package sasl // import "git.sr.ht/~coreclient/xmpp/sasl"
