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

// MessageType is the type of a message stanza, as defined by RFC 6121 §5.2.
type MessageType string

const (
	// NormalMessage is a standalone message sent outside the context of a
	// one-to-one or group conversation.
	NormalMessage MessageType = "normal"

	// ChatMessage is a message sent in the context of a one-to-one
	// conversation.
	ChatMessage MessageType = "chat"

	// GroupChatMessage is a message sent in the context of a multi-user chat.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage is a message that provides an alert, notice, or other
	// transient information to which no reply is expected.
	HeadlineMessage MessageType = "headline"

	// ErrorMessage indicates that a previous message sent to the peer was
	// malformed, or that the peer is otherwise unable to process it.
	ErrorMessage MessageType = "error"
)

// Message is an XMPP stanza used for push-style communication between two
// entities. Unlike an Iq, a Message does not require a response.
type Message struct {
	XMLName xml.Name    `xml:"message"`
	To      jid.JID     `xml:"to,attr,omitempty"`
	From    jid.JID     `xml:"from,attr,omitempty"`
	ID      string      `xml:"id,attr,omitempty"`
	Lang    string      `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    MessageType `xml:"type,attr,omitempty"`
}

// NewMessage unmarshals a start element into a Message envelope without
// consuming the payload, which remains on the reader for the caller to
// decode.
func NewMessage(start xml.StartElement) (Message, error) {
	m := Message{}
	for _, a := range start.Attr {
		switch a.Name {
		case xml.Name{Local: "id"}:
			m.ID = a.Value
		case xml.Name{Local: "type"}:
			m.Type = MessageType(a.Value)
		case xml.Name{Space: ns.XML, Local: "lang"}:
			m.Lang = a.Value
		case xml.Name{Local: "to"}:
			if err := m.To.UnmarshalXMLAttr(a); err != nil {
				return m, err
			}
		case xml.Name{Local: "from"}:
			if err := m.From.UnmarshalXMLAttr(a); err != nil {
				return m, err
			}
		}
	}
	m.XMLName = start.Name
	return m, nil
}

// StartElement converts the Message envelope into an XML start element
// suitable for use with an xmlstream.TokenWriter.
func (m Message) StartElement() xml.StartElement {
	name := m.XMLName
	if name.Local == "" {
		name.Local = "message"
	}
	attr := make([]xml.Attr, 0, 5)
	if m.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: m.ID})
	}
	if !m.To.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: m.To.String()})
	}
	if !m.From.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: m.From.String()})
	}
	if m.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: m.Lang})
	}
	if m.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(m.Type)})
	}
	return xml.StartElement{Name: name, Attr: attr}
}

// Wrap wraps the payload in a message stanza. If payload is nil the message
// is empty.
func (m Message) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, m.StartElement())
}
