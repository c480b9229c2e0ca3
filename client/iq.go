// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/internal/attr"
	"git.sr.ht/~coreclient/xmpp/internal/ns"
	"git.sr.ht/~coreclient/xmpp/jid"
	"git.sr.ht/~coreclient/xmpp/stanza"
)

// pendingIQ is one entry of the pending-IQ table. Exactly one of respCh or
// cb is set: respCh for a blocking waiter, cb for an asynchronous callback.
type pendingIQ struct {
	respCh chan iqResult
	cb     IQCallback
}

type iqResult struct {
	iq      stanza.IQ
	payload []xml.Token
}

// IQRequestBlocking sends iq with payload and blocks the caller until
// either the response arrives, timeout elapses, the session dies, or ctx is
// done. timeout of zero uses the client's configured default (IQTimeout);
// -1 waits indefinitely.
//
// The returned payload replays tokens the reader loop already read in full,
// so it stays valid after the call returns and is independent of the
// pending table.
func (c *Client) IQRequestBlocking(ctx context.Context, iq stanza.IQ, payload xml.TokenReader, timeout time.Duration) (stanza.IQ, xml.TokenReader, error) {
	if iq.ID == "" {
		iq.ID = attr.RandomID()
	}
	if timeout == 0 {
		timeout = c.cfg.iqTimeout
	}

	var toks []xml.Token
	if payload != nil {
		var err error
		toks, err = xmlstream.ReadAll(payload)
		if err != nil {
			return stanza.IQ{}, nil, err
		}
	}
	isPing := isPingToOwnDomain(iq, c.domain, toks)

	p := &pendingIQ{respCh: make(chan iqResult, 1)}
	c.pendingMu.Lock()
	c.pending[iq.ID] = p
	c.pendingMu.Unlock()

	if err := c.writeStanza(iq.Wrap(sliceReader(toks))); err != nil {
		c.removePending(iq.ID)
		return stanza.IQ{}, nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	c.mu.Lock()
	waiterCtx := c.waiterCtx
	c.mu.Unlock()

	select {
	case res := <-p.respCh:
		return res.iq, sliceReader(res.payload), nil
	case <-waiterCtx.Done():
		c.removePending(iq.ID)
		return stanza.IQ{}, nil, ErrDisconnected
	case <-timeoutCh:
		c.removePending(iq.ID)
		if isPing && c.PingTimeoutDisconnect {
			c.markDisconnected(ErrDisconnected)
			return stanza.IQ{}, nil, nil
		}
		return stanza.IQ{}, nil, ErrTimeout
	case <-ctx.Done():
		c.removePending(iq.ID)
		return stanza.IQ{}, nil, ctx.Err()
	}
}

// IQRequestAsync sends iq with payload and registers cb to be invoked, off
// the reader loop, when the response is received. It returns the request's
// id immediately.
func (c *Client) IQRequestAsync(iq stanza.IQ, payload xml.TokenReader, cb IQCallback) (string, error) {
	if iq.ID == "" {
		iq.ID = attr.RandomID()
	}
	p := &pendingIQ{cb: cb}
	c.pendingMu.Lock()
	c.pending[iq.ID] = p
	c.pendingMu.Unlock()

	if err := c.writeStanza(iq.Wrap(payload)); err != nil {
		c.removePending(iq.ID)
		return "", err
	}
	return iq.ID, nil
}

// IQResponse sends resp, which must be a result or error IQ, answering a
// previously received request.
func (c *Client) IQResponse(resp stanza.IQ, payload xml.TokenReader) error {
	if resp.IsRequest() {
		return ErrNotAResponse
	}
	return c.writeStanza(resp.Wrap(payload))
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolvePendingIQ is called from the reader loop for every IQ response. It
// looks the id up in the pending table and either signals the blocking
// waiter, schedules the callback off the reader, or logs an orphan warning.
func (c *Client) resolvePendingIQ(iq stanza.IQ, payload []xml.Token) {
	c.pendingMu.Lock()
	p, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.cfg.log.Printf("client: dropped orphan IQ response id=%q", iq.ID)
		return
	}
	if p.respCh != nil {
		p.respCh <- iqResult{iq: iq, payload: payload}
		return
	}
	go p.cb(iq, sliceReader(payload))
}

// failAllPending empties the pending table. Blocking waiters discover the
// session is gone via the shared waiter cancellation signal, not via this
// function; this only enforces the invariant that no entry survives a
// session close.
func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	c.pending = make(map[string]*pendingIQ)
	c.pendingMu.Unlock()
}

// isPingToOwnDomain implements the heuristic of §4.4.4: a request addressed
// to the bare configured domain (or with no 'to' at all) whose payload's
// first token is a <ping xmlns='urn:xmpp:ping'/> start element.
func isPingToOwnDomain(iq stanza.IQ, domain jid.JID, toks []xml.Token) bool {
	if !iq.To.IsZero() {
		if iq.To.Localpart() != "" || !strings.EqualFold(iq.To.Domainpart(), domain.Domainpart()) {
			return false
		}
	}
	if len(toks) == 0 {
		return false
	}
	start, ok := toks[0].(xml.StartElement)
	return ok && start.Name.Space == ns.Ping && start.Name.Local == "ping"
}
