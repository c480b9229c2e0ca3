// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package bytestream implements SOCKS5 bytestreams (XEP-0065), the
// out-of-band transport negotiated by stream initiation for moving
// arbitrarily large payloads outside the XML stream itself.
package bytestream

import (
	"crypto/sha1"
	"encoding/hex"
	"io"

	"git.sr.ht/~coreclient/xmpp/jid"
)

// Streamhost is one candidate SOCKS5 endpoint offered during bytestream
// negotiation: either the initiator itself (a direct transfer) or a proxy
// discovered via service discovery (a mediated transfer).
type Streamhost struct {
	JID  jid.JID
	Host string
	Port uint16
}

// Session is the collaborator-owned view of an in-progress bytestream
// transfer. The caller (typically a stream-initiation layer out of this
// package's scope) constructs Size and Stream before handing the session to
// Manager.SendFile or Manager.ExpectSession; Manager fills in the rest as
// the transfer negotiates and runs.
type Session struct {
	// SID is the stream ID negotiated by the out-of-band SI exchange; it
	// is opaque to this package beyond being hashed for the SOCKS5
	// destination address.
	SID string
	// From and To are the full JIDs of the initiator and target, in that
	// order regardless of which side this process is playing.
	From, To jid.JID
	// Size is the expected transfer size in bytes, or zero if unknown.
	// A clean EOF before Count reaches Size is treated as a short
	// transfer.
	Size int64
	// Stream is the local end of the data being moved: the file (or
	// other byte source/sink) the caller wants sent or received.
	Stream io.ReadWriteCloser
	// Count is the number of bytes moved so far.
	Count int64

	mgr      *Manager
	closed   bool
	usedHost jid.JID
}

// SIDHash returns the lowercase hex SHA-1 digest of sid, the initiator's
// full JID, and the target's full JID concatenated in that order, the value
// XEP-0065 §5 uses as the SOCKS5 destination address (DST.ADDR) in place of
// a real hostname, so that a shared proxy can match an initiator's CONNECT
// to a target's CONNECT without either peer revealing its network address
// to the other up front. The full JID — including resource — is hashed, not
// the bare JID.
func SIDHash(sid string, initiator, target jid.JID) string {
	h := sha1.New()
	io.WriteString(h, sid)
	io.WriteString(h, initiator.String())
	io.WriteString(h, target.String())
	return hex.EncodeToString(h.Sum(nil))
}

// advance records n newly transferred bytes and raises OnBytesTransferred.
// Called with n<=0 it instead raises OnTransferAborted and marks the
// session invalid; once invalidated, advance is a no-op so a transfer
// cannot be "revived" by a stray late write.
func (s *Session) advance(n int64) {
	if s.closed {
		return
	}
	if n <= 0 {
		s.closed = true
		s.mgr.raiseTransferAborted(s, io.ErrUnexpectedEOF)
		return
	}
	s.Count += n
	s.mgr.raiseBytesTransferred(s, n)
}

// abort marks the session invalid and raises OnTransferAborted with err,
// unless the session has already been aborted. A transfer that completes
// normally does not mark the session, so abort still fires after it.
func (s *Session) abort(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.mgr.raiseTransferAborted(s, err)
}

// Cancel implements spec §4.5.5's cancel_transfer(session) as a method on
// the session itself; it delegates to the owning Manager's CancelTransfer.
// Calling Cancel before the session has been handed to SendFile or
// ExpectSession (so mgr is still nil) is a no-op.
func (s *Session) Cancel() {
	if s.mgr == nil {
		return
	}
	s.mgr.CancelTransfer(s)
}
