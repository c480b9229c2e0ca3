// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/stanza"
)

// writeStanza serializes r and writes it to the wire under sendMu, which
// spans the whole logical write so that two concurrent senders can never
// interleave their output on the underlying connection.
func (c *Client) writeStanza(r xml.TokenReader) error {
	c.mu.Lock()
	xc := c.conn
	c.mu.Unlock()
	if xc == nil {
		return ErrDisconnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	enc := xml.NewEncoder(xc)
	if _, err := xmlstream.Copy(enc, r); err != nil {
		return err
	}
	return enc.Flush()
}

// SendMessage serializes and writes a message stanza. If payload is nil the
// message is sent with no children.
func (c *Client) SendMessage(m stanza.Message, payload xml.TokenReader) error {
	if c.cfg.debugStanzas {
		c.cfg.log.Printf("client: send message id=%q type=%q", m.ID, m.Type)
	}
	return c.writeStanza(m.Wrap(payload))
}

// SendPresence serializes and writes a presence stanza. If payload is nil
// the presence is sent with no children.
func (c *Client) SendPresence(p stanza.Presence, payload xml.TokenReader) error {
	if c.cfg.debugStanzas {
		c.cfg.log.Printf("client: send presence id=%q type=%q", p.ID, p.Type)
	}
	return c.writeStanza(p.Wrap(payload))
}
