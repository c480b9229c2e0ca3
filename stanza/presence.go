// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/internal/ns"
	"git.sr.ht/~coreclient/xmpp/jid"
)

// PresenceType is the type of a presence stanza, as defined by RFC 6121 §4.7.1.
type PresenceType string

const (
	// AvailablePresence is implicit and MUST NOT be included when a presence
	// stanza has no 'type' attribute.
	AvailablePresence PresenceType = ""

	// UnavailablePresence signals that the entity is no longer available for
	// communication.
	UnavailablePresence PresenceType = "unavailable"

	// SubscribePresence is sent to request a subscription to the recipient's
	// presence.
	SubscribePresence PresenceType = "subscribe"

	// SubscribedPresence grants a previously requested subscription.
	SubscribedPresence PresenceType = "subscribed"

	// UnsubscribePresence is sent to unsubscribe from the recipient's
	// presence.
	UnsubscribePresence PresenceType = "unsubscribe"

	// UnsubscribedPresence denies, or cancels, a subscription to presence.
	UnsubscribedPresence PresenceType = "unsubscribed"

	// ProbePresence requests a target's current presence.
	ProbePresence PresenceType = "probe"

	// ErrorPresence indicates that an error occurred while processing a
	// previously sent presence stanza.
	ErrorPresence PresenceType = "error"
)

// Presence is an XMPP stanza that advertises the network availability of an
// entity. A presence stanza may carry zero or more arbitrary child elements.
type Presence struct {
	XMLName xml.Name     `xml:"presence"`
	To      jid.JID      `xml:"to,attr,omitempty"`
	From    jid.JID      `xml:"from,attr,omitempty"`
	ID      string       `xml:"id,attr,omitempty"`
	Lang    string       `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    PresenceType `xml:"type,attr,omitempty"`
}

// NewPresence unmarshals a start element into a Presence envelope without
// consuming any children, which remain on the reader for the caller to
// decode.
func NewPresence(start xml.StartElement) (Presence, error) {
	p := Presence{}
	for _, a := range start.Attr {
		switch a.Name {
		case xml.Name{Local: "id"}:
			p.ID = a.Value
		case xml.Name{Local: "type"}:
			p.Type = PresenceType(a.Value)
		case xml.Name{Space: ns.XML, Local: "lang"}:
			p.Lang = a.Value
		case xml.Name{Local: "to"}:
			if err := p.To.UnmarshalXMLAttr(a); err != nil {
				return p, err
			}
		case xml.Name{Local: "from"}:
			if err := p.From.UnmarshalXMLAttr(a); err != nil {
				return p, err
			}
		}
	}
	p.XMLName = start.Name
	return p, nil
}

// StartElement converts the Presence envelope into an XML start element
// suitable for use with an xmlstream.TokenWriter.
func (p Presence) StartElement() xml.StartElement {
	name := p.XMLName
	if name.Local == "" {
		name.Local = "presence"
	}
	attr := make([]xml.Attr, 0, 5)
	if p.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: p.ID})
	}
	if !p.To.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: p.To.String()})
	}
	if !p.From.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: p.From.String()})
	}
	if p.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: p.Lang})
	}
	if p.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(p.Type)})
	}
	return xml.StartElement{Name: name, Attr: attr}
}

// Wrap wraps zero or more child elements in a presence stanza. If payload is
// nil the presence is empty.
func (p Presence) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, p.StartElement())
}
