// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"strings"

	"git.sr.ht/~coreclient/xmpp/conn"
	"git.sr.ht/~coreclient/xmpp/internal/ns"
	istream "git.sr.ht/~coreclient/xmpp/internal/stream"
	"git.sr.ht/~coreclient/xmpp/jid"
	"git.sr.ht/~coreclient/xmpp/sasl"
	"git.sr.ht/~coreclient/xmpp/stanza"
)

// features is the parsed content of a <stream:features/> element relevant
// to the handshake of §4.4.2.
type features struct {
	startTLS         bool
	startTLSRequired bool
	mechanisms       []string
	bind             bool
}

type featuresXML struct {
	StartTLS *struct {
		Required *struct{} `xml:"required"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
	Mechanisms struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Bind *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
}

// negotiate drives the ordered handshake of §4.4.2 to completion: stream
// open, optional STARTTLS, optional SASL, optional resource bind.
func (c *Client) negotiate(ctx context.Context) error {
	if _, err := c.conn.Restart(ctx, false, istream.DefaultVersion, "en", c.domain.String(), "", ""); err != nil {
		return err
	}

	for {
		feats, err := c.readFeatures(ctx)
		if err != nil {
			return err
		}

		if feats.startTLS && !c.Secure() && c.cfg.tlsMode == conn.StartTLS {
			if err := c.doStartTLS(ctx); err != nil {
				return err
			}
			continue
		}
		if feats.startTLSRequired && !c.Secure() {
			return &AuthenticationFailedError{Reason: "server requires TLS"}
		}

		if c.cfg.user == "" {
			return nil
		}

		if !c.Authenticated() {
			if err := c.doSASL(ctx, feats.mechanisms); err != nil {
				return err
			}
			continue
		}

		if feats.bind {
			return c.bindResource(ctx)
		}
		return nil
	}
}

func (c *Client) readFeatures(ctx context.Context) (features, error) {
	start, dec, err := c.conn.ReadElement("features")
	if err != nil {
		return features{}, err
	}
	var fx featuresXML
	if err := dec.DecodeElement(&fx, &start); err != nil {
		return features{}, err
	}
	f := features{
		bind:       fx.Bind != nil,
		mechanisms: fx.Mechanisms.Mechanism,
	}
	if fx.StartTLS != nil {
		f.startTLS = true
		f.startTLSRequired = fx.StartTLS.Required != nil
	}
	return f, nil
}

// doStartTLS writes <starttls/>, expects <proceed/>, wraps the transport in
// TLS, and restarts the stream, per §4.4.2 step 4.
func (c *Client) doStartTLS(ctx context.Context) error {
	if _, err := c.conn.Send([]byte(`<starttls xmlns='` + ns.StartTLS + `'/>`)); err != nil {
		return err
	}
	start, _, err := c.conn.ReadElement("proceed", "failure")
	if err != nil {
		return err
	}
	if start.Name.Local == "failure" {
		return &AuthenticationFailedError{Reason: "server rejected STARTTLS"}
	}

	if err := c.conn.UpgradeTLS(c.domain.Domainpart()); err != nil {
		return err
	}
	c.mu.Lock()
	c.state |= StateSecure
	c.mu.Unlock()

	_, err = c.conn.Restart(ctx, false, istream.DefaultVersion, "en", c.domain.String(), "", "")
	return err
}

// doSASL selects a mechanism from the server-advertised set, drives the
// challenge/response loop of §4.3, and restarts the stream on success.
func (c *Client) doSASL(ctx context.Context, mechanisms []string) error {
	name, err := sasl.Select(mechanisms)
	if err != nil {
		return &AuthenticationFailedError{Reason: err.Error()}
	}
	engine, err := sasl.New(name, c.cfg.user, c.cfg.pass, mechanisms, nil)
	if err != nil {
		return &AuthenticationFailedError{Reason: err.Error()}
	}

	var initial []byte
	if engine.HasInitialResponse() {
		initial, err = engine.Response(nil)
		if err != nil {
			return &AuthenticationFailedError{Reason: err.Error()}
		}
	}
	if err := c.sendSASLElement("auth", map[string]string{"mechanism": name}, initial); err != nil {
		return err
	}

	for {
		start, dec, err := c.conn.ReadElement("challenge", "success", "failure")
		if err != nil {
			return err
		}
		switch start.Name.Local {
		case "failure":
			return &AuthenticationFailedError{Reason: "server rejected credentials"}
		case "success":
			raw, err := decodeSASLPayload(dec, start)
			if err != nil {
				return &AuthenticationFailedError{Reason: "malformed success payload"}
			}
			if !engine.IsCompleted() || len(raw) > 0 {
				if _, err := engine.Response(raw); err != nil {
					return &AuthenticationFailedError{Reason: "server signature verification failed: " + err.Error()}
				}
			}
			if !engine.IsCompleted() {
				return &AuthenticationFailedError{Reason: "mechanism completed without success"}
			}
			c.mu.Lock()
			c.state |= StateAuthenticated
			c.mu.Unlock()
			_, err = c.conn.Restart(ctx, false, istream.DefaultVersion, "en", c.domain.String(), "", "")
			return err
		case "challenge":
			raw, err := decodeSASLPayload(dec, start)
			if err != nil {
				return &AuthenticationFailedError{Reason: "malformed challenge"}
			}
			resp, err := engine.Response(raw)
			if err != nil {
				return &AuthenticationFailedError{Reason: err.Error()}
			}
			if err := c.sendSASLElement("response", nil, resp); err != nil {
				return err
			}
		}
	}
}

func decodeSASLPayload(dec *xml.Decoder, start xml.StartElement) ([]byte, error) {
	var payload string
	if err := dec.DecodeElement(&payload, &start); err != nil {
		return nil, err
	}
	if payload == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(payload)
}

// sendSASLElement writes a SASL control element directly to the
// connection. These elements carry only a mechanism name (a fixed string we
// chose) and a base64 payload, neither of which requires XML escaping, so
// this follows internal/stream.Send's own precedent of a raw print instead
// of an xml.Encoder.
func (c *Client) sendSASLElement(local string, attrs map[string]string, payload []byte) error {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(local)
	b.WriteString(" xmlns='")
	b.WriteString(ns.SASL)
	b.WriteString("'")
	for k, v := range attrs {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(v)
		b.WriteString("'")
	}
	if len(payload) == 0 {
		b.WriteString("/>")
	} else {
		b.WriteString(">")
		b.WriteString(base64.StdEncoding.EncodeToString(payload))
		b.WriteString("</")
		b.WriteString(local)
		b.WriteString(">")
	}
	_, err := c.conn.Send([]byte(b.String()))
	return err
}

// bindResource sends the bind-0 resource-binding IQ of §4.4.2 step 7 and
// stores the full JID the server assigns.
func (c *Client) bindResource(ctx context.Context) error {
	var b strings.Builder
	b.WriteString(`<iq id='bind-0' type='set'><bind xmlns='`)
	b.WriteString(ns.Bind)
	b.WriteString(`'>`)
	if c.cfg.resource != "" {
		b.WriteString("<resource>")
		if err := xml.EscapeText(&b, []byte(c.cfg.resource)); err != nil {
			return err
		}
		b.WriteString("</resource>")
	}
	b.WriteString("</bind></iq>")
	if _, err := c.conn.Send([]byte(b.String())); err != nil {
		return err
	}

	start, dec, err := c.conn.ReadElement("iq")
	if err != nil {
		return err
	}
	resp, err := stanza.NewIQ(start)
	if err != nil {
		return err
	}
	var body struct {
		Bind struct {
			JID jid.JID `xml:"jid"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	}
	if err := dec.DecodeElement(&body, &start); err != nil {
		return err
	}
	if resp.Type == stanza.ErrorIQ || body.Bind.JID.IsZero() {
		return &ProtocolViolationError{Reason: "resource binding failed"}
	}

	c.mu.Lock()
	c.origin = body.Bind.JID
	c.state |= StateBound
	c.mu.Unlock()
	return nil
}
