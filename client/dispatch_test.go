// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"encoding/xml"
	"io"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~coreclient/xmpp/conn"
	"git.sr.ht/~coreclient/xmpp/stanza"
)

// TestDispatchRoutesMessageToHandler exercises the reader-loop/dispatcher
// handoff: a message written by the fake server should reach a registered
// OnMessage handler with its payload tokens intact.
func TestDispatchRoutesMessageToHandler(t *testing.T) {
	c, srv := newTestClient(t, Credentials("user", "pass"), TLSMode(conn.None))
	connectAndBind(t, c, srv)
	defer c.Close()

	var (
		mu   sync.Mutex
		got  stanza.Message
		body string
	)
	done := make(chan struct{})
	c.OnMessage(func(m stanza.Message, payload xml.TokenReader) {
		mu.Lock()
		got = m
		body = renderTokens(payload)
		mu.Unlock()
		close(done)
	})

	if _, err := srv.conn.Write([]byte(`<message type='chat' id='m1' from='friend@example.com'><body>hi</body></message>`)); err != nil {
		t.Fatalf("writing message: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage handler was never called")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ID != "m1" || got.Type != stanza.ChatMessage {
		t.Errorf("dispatched message = %+v, want id=m1 type=chat", got)
	}
	if body != "<body>hi</body>" {
		t.Errorf("payload body = %q, want %q", body, "<body>hi</body>")
	}
}

// renderTokens flattens a small xml.TokenReader back into start/end tags and
// chardata text, good enough to assert on a fixed test payload.
func renderTokens(r xml.TokenReader) string {
	var out []byte
	for {
		tok, err := r.Token()
		if err != nil {
			if err != io.EOF {
				out = append(out, []byte("!"+err.Error())...)
			}
			break
		}
		switch v := tok.(type) {
		case xml.StartElement:
			out = append(out, '<')
			out = append(out, v.Name.Local...)
			out = append(out, '>')
		case xml.EndElement:
			out = append(out, '<', '/')
			out = append(out, v.Name.Local...)
			out = append(out, '>')
		case xml.CharData:
			out = append(out, v...)
		}
	}
	return string(out)
}
