// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/stanza"
)

// stanzaKind distinguishes the three top-level stanza variants carried by a
// queuedStanza.
type stanzaKind int

const (
	kindIQ stanzaKind = iota
	kindMessage
	kindPresence
)

// queuedStanza is handed from the reader loop to the dispatcher loop over a
// plain Go channel. The payload is materialized into a token slice in the
// reader loop (where the underlying xml.Decoder lives) so the dispatcher
// never touches the decoder and the reader can move on to the next element
// as soon as it has enqueued this one.
type queuedStanza struct {
	kind     stanzaKind
	iq       stanza.IQ
	message  stanza.Message
	presence stanza.Presence
	payload  []xml.Token
}

// sliceReader returns an xml.TokenReader that replays toks in order, for
// handing a materialized payload back to a dispatcher handler as a stream.
func sliceReader(toks []xml.Token) xml.TokenReader {
	i := 0
	return xmlstream.ReaderFunc(func() (xml.Token, error) {
		if i >= len(toks) {
			return nil, io.EOF
		}
		t := toks[i]
		i++
		return t, nil
	})
}

// readLoop is the dedicated long-running task of §4.4.3: it pulls one
// top-level stanza element at a time, materializes its payload, routes IQ
// responses directly to their waiter or callback, and enqueues everything
// else for the dispatcher loop.
func (c *Client) readLoop() {
	defer c.loopWG.Done()
	for {
		start, dec, err := c.conn.ReadElement("iq", "message", "presence")
		if err != nil {
			c.fatalReadError(err)
			return
		}

		toks, err := xmlstream.ReadAll(xmlstream.Inner(dec))
		if err != nil {
			c.fatalReadError(err)
			return
		}

		switch start.Name.Local {
		case "iq":
			iq, err := stanza.NewIQ(start)
			if err != nil {
				c.fatalReadError(err)
				return
			}
			if c.cfg.debugStanzas {
				c.cfg.log.Printf("client: recv iq id=%q type=%q", iq.ID, iq.Type)
			}
			if iq.IsResponse() {
				c.resolvePendingIQ(iq, toks)
				continue
			}
			if !c.enqueue(queuedStanza{kind: kindIQ, iq: iq, payload: toks}) {
				return
			}
		case "message":
			m, err := stanza.NewMessage(start)
			if err != nil {
				c.fatalReadError(err)
				return
			}
			if c.cfg.debugStanzas {
				c.cfg.log.Printf("client: recv message id=%q type=%q", m.ID, m.Type)
			}
			if !c.enqueue(queuedStanza{kind: kindMessage, message: m, payload: toks}) {
				return
			}
		case "presence":
			p, err := stanza.NewPresence(start)
			if err != nil {
				c.fatalReadError(err)
				return
			}
			if c.cfg.debugStanzas {
				c.cfg.log.Printf("client: recv presence id=%q type=%q", p.ID, p.Type)
			}
			if !c.enqueue(queuedStanza{kind: kindPresence, presence: p, payload: toks}) {
				return
			}
		}
	}
}

// enqueue blocks until the stanza is accepted by the dispatcher or the
// dispatcher has been cancelled, in which case it reports false and the
// reader loop must stop (the invariant that the reader never enqueues after
// cancellation).
func (c *Client) enqueue(q queuedStanza) bool {
	select {
	case c.queue <- q:
		return true
	case <-c.dispatchCtx.Done():
		return false
	}
}

// fatalReadError reclassifies any I/O or parser error as Disconnected and
// tears the session down via markDisconnected. The reader loop always
// returns immediately after calling this.
func (c *Client) fatalReadError(err error) {
	c.markDisconnected(ErrDisconnected)
	_ = err
}

// dispatchLoop is the dedicated long-running task of §4.4.3: it takes one
// stanza at a time from the queue and dispatches it synchronously to the
// registered handlers, catching and logging any panic so a failing handler
// cannot kill the loop.
func (c *Client) dispatchLoop() {
	defer c.loopWG.Done()
	for {
		select {
		case <-c.dispatchCtx.Done():
			return
		case q, ok := <-c.queue:
			if !ok {
				return
			}
			c.dispatch(q)
		}
	}
}

func (c *Client) dispatch(q queuedStanza) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.log.Printf("client: recovered from stanza handler panic: %v", r)
		}
	}()

	c.eventMu.Lock()
	var (
		iqHandlers       = append([]func(stanza.IQ, xml.TokenReader){}, c.onIQ...)
		messageHandlers  = append([]func(stanza.Message, xml.TokenReader){}, c.onMessage...)
		presenceHandlers = append([]func(stanza.Presence, xml.TokenReader){}, c.onPresence...)
	)
	c.eventMu.Unlock()

	switch q.kind {
	case kindIQ:
		for _, h := range iqHandlers {
			h(q.iq, sliceReader(q.payload))
		}
	case kindMessage:
		for _, h := range messageHandlers {
			h(q.message, sliceReader(q.payload))
		}
	case kindPresence:
		for _, h := range presenceHandlers {
			h(q.presence, sliceReader(q.payload))
		}
	}
}
