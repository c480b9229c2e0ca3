// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~coreclient/xmpp/conn"
	"git.sr.ht/~coreclient/xmpp/internal/ns"
	"git.sr.ht/~coreclient/xmpp/stanza"
)

func connectAndBind(t *testing.T, c *Client, srv *fakeServer) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		err := runBindHandshake(srv, "user@example.com/res1")
		done <- err
		_, _ = io.Copy(io.Discard, srv.conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

// TestIQRequestBlockingPingTimeoutDisconnects exercises §4.4.4's
// ping-timeout heuristic: a blocking request for a ping to the client's own
// domain that times out marks the session disconnected and raises the error
// event, rather than returning a plain Timeout.
func TestIQRequestBlockingPingTimeoutDisconnects(t *testing.T) {
	c, srv := newTestClient(t, Credentials("user", "pass"), TLSMode(conn.None))
	connectAndBind(t, c, srv)
	defer c.Close()

	var mu sync.Mutex
	var gotErr error
	done := make(chan struct{})
	c.OnError(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		close(done)
	})

	ping := stanza.IQ{
		To:   c.domain,
		Type: stanza.GetIQ,
	}
	pingName := xml.Name{Space: ns.Ping, Local: "ping"}
	payload := sliceReader([]xml.Token{
		xml.StartElement{Name: pingName},
		xml.EndElement{Name: pingName},
	})

	resIQ, resPayload, err := c.IQRequestBlocking(context.Background(), ping, payload, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("IQRequestBlocking returned an error, want nil (the ping-timeout heuristic swallows Timeout): %v", err)
	}
	if resIQ.ID != "" || resPayload != nil {
		t.Errorf("IQRequestBlocking returned a non-zero result on the ping-timeout path: iq=%+v payload=%v", resIQ, resPayload)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError was never called")
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(gotErr, ErrDisconnected) {
		t.Errorf("OnError called with %v, want ErrDisconnected", gotErr)
	}
	if c.Bound() {
		t.Error("expected Bound() == false after the session was marked disconnected")
	}
}
