// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bytestream

import (
	"errors"
	"io"
	"testing"

	"git.sr.ht/~coreclient/xmpp/jid"
)

// TestSIDHash covers spec scenario 4 (SOCKS5 direct transfer sid hash):
// sid="mySid", initiator="a@x/r1", target="b@y/r2" hashes to the lowercase
// hex SHA-1 of the three full JIDs (including resource) concatenated in
// that order.
func TestSIDHash(t *testing.T) {
	initiator := jid.MustParse("a@x/r1")
	target := jid.MustParse("b@y/r2")

	got := SIDHash("mySid", initiator, target)
	const want = "0c2b681391a4a8df02343e1d93a93fb72dd3b226"
	if got != want {
		t.Errorf("SIDHash(mySid, a@x/r1, b@y/r2) = %q, want %q", got, want)
	}
}

func TestSIDHashUsesFullJIDNotBare(t *testing.T) {
	initiator := jid.MustParse("a@x/r1")
	target := jid.MustParse("b@y/r2")

	withResource := SIDHash("mySid", initiator, target)
	bare := SIDHash("mySid", initiator.Bare(), target.Bare())
	if withResource == bare {
		t.Error("SIDHash should differ between full and bare JIDs, since XEP-0065 hashes the full JID")
	}
}

func TestSessionAdvanceRaisesBytesTransferred(t *testing.T) {
	m := &Manager{}
	s := &Session{SID: "s1", mgr: m}

	var got int64
	m.OnBytesTransferred(func(sess *Session, n int64) {
		if sess != s {
			t.Errorf("handler called with wrong session")
		}
		got += n
	})

	s.advance(10)
	s.advance(5)

	if got != 15 {
		t.Errorf("total bytes reported = %d, want 15", got)
	}
	if s.Count != 15 {
		t.Errorf("s.Count = %d, want 15", s.Count)
	}
	if s.closed {
		t.Error("session should not be closed after successful advances")
	}
}

func TestSessionAdvanceZeroAborts(t *testing.T) {
	m := &Manager{}
	s := &Session{SID: "s1", mgr: m}

	var gotErr error
	m.OnTransferAborted(func(sess *Session, err error) {
		gotErr = err
	})

	s.advance(0)

	if !errors.Is(gotErr, io.ErrUnexpectedEOF) {
		t.Errorf("OnTransferAborted err = %v, want io.ErrUnexpectedEOF", gotErr)
	}
	if !s.closed {
		t.Error("session should be closed after an aborting advance")
	}
}

// TestSessionCancelDelegatesToManager covers spec §4.5.5's
// cancel_transfer(session) at the Session level: Cancel must reach the
// owning Manager rather than just locally marking the session closed, since
// CancelTransfer also deregisters the SID and closes Stream.
func TestSessionCancelDelegatesToManager(t *testing.T) {
	m := &Manager{sessions: map[string]*Session{}}
	s := &Session{SID: "s1", mgr: m, Stream: nopReadWriteCloser{}}
	m.sessions[s.SID] = s

	s.Cancel()

	if !s.closed {
		t.Error("Cancel should close the session")
	}
	if _, ok := m.sessions[s.SID]; ok {
		t.Error("Cancel should deregister the session's SID from the Manager")
	}
}

func TestSessionAbortIsIdempotent(t *testing.T) {
	m := &Manager{}
	s := &Session{SID: "s1", mgr: m}

	var calls int
	m.OnTransferAborted(func(sess *Session, err error) {
		calls++
	})

	first := errors.New("boom")
	s.abort(first)
	s.abort(errors.New("second call should be ignored"))
	s.advance(1) // closed; must not re-fire anything either

	if calls != 1 {
		t.Errorf("OnTransferAborted fired %d times, want 1", calls)
	}
}
