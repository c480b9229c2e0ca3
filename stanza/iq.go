// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/internal/attr"
	"git.sr.ht/~coreclient/xmpp/internal/ns"
	"git.sr.ht/~coreclient/xmpp/jid"
)

// IQType is the type of an info/query stanza, as defined by RFC 6120 §8.2.3.
type IQType string

const (
	// GetIQ requests information, analogous to an HTTP GET.
	GetIQ IQType = "get"

	// SetIQ provides, sets, or replaces information, analogous to an HTTP PUT
	// or POST.
	SetIQ IQType = "set"

	// ResultIQ reports that a get or set has succeeded and carries any
	// resulting data.
	ResultIQ IQType = "result"

	// ErrorIQ reports that an error occurred while processing a get or set.
	ErrorIQ IQType = "error"
)

// IQ is an XMPP stanza used for structured request-response exchanges,
// analogous to HTTP. An IQ of type "get" or "set" is a request and MUST
// contain exactly one child element that specifies the semantics of the
// request. An IQ of type "result" or "error" is a response and MUST carry
// the same ID as the request it answers.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	To      jid.JID  `xml:"to,attr,omitempty"`
	From    jid.JID  `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    IQType   `xml:"type,attr"`
}

// NewIQ unmarshals a start element into an IQ envelope without consuming the
// payload child, which remains on the reader for the caller to decode. If
// the start element has no ID one is generated, satisfying the invariant
// that every IQ carries an identifier.
func NewIQ(start xml.StartElement) (IQ, error) {
	iq := IQ{}
	for _, a := range start.Attr {
		switch a.Name {
		case xml.Name{Local: "id"}:
			iq.ID = a.Value
		case xml.Name{Local: "type"}:
			iq.Type = IQType(a.Value)
		case xml.Name{Space: ns.XML, Local: "lang"}:
			iq.Lang = a.Value
		case xml.Name{Local: "to"}:
			if err := iq.To.UnmarshalXMLAttr(a); err != nil {
				return iq, err
			}
		case xml.Name{Local: "from"}:
			if err := iq.From.UnmarshalXMLAttr(a); err != nil {
				return iq, err
			}
		}
	}
	if iq.ID == "" {
		iq.ID = attr.RandomID()
	}
	switch iq.Type {
	case GetIQ, SetIQ, ResultIQ, ErrorIQ:
	default:
		return iq, fmt.Errorf("stanza: invalid iq type %q", iq.Type)
	}
	iq.XMLName = start.Name
	return iq, nil
}

// IsRequest reports whether iq is a get or set, and therefore requires a
// response from its recipient.
func (iq IQ) IsRequest() bool {
	return iq.Type == GetIQ || iq.Type == SetIQ
}

// IsResponse reports whether iq is a result or error, and therefore answers
// a previously sent request.
func (iq IQ) IsResponse() bool {
	return iq.Type == ResultIQ || iq.Type == ErrorIQ
}

// StartElement converts the IQ envelope into an XML start element suitable
// for use with an xmlstream.TokenWriter.
func (iq IQ) StartElement() xml.StartElement {
	name := iq.XMLName
	if name.Local == "" {
		name.Local = "iq"
	}
	attr := make([]xml.Attr, 0, 5)
	attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(iq.Type)})
	if !iq.To.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: iq.To.String()})
	}
	if !iq.From.IsZero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: iq.From.String()})
	}
	if iq.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: iq.Lang})
	}
	return xml.StartElement{Name: name, Attr: attr}
}

// Wrap wraps the single required payload element in an IQ stanza.
func (iq IQ) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, iq.StartElement())
}

// Result returns a copy of iq addressed back to its sender and of type
// result, suitable for wrapping the response payload. It panics if iq is
// not a request.
func (iq IQ) Result() IQ {
	if !iq.IsRequest() {
		panic("stanza: Result called on a non-request IQ")
	}
	iq.Type = ResultIQ
	iq.To, iq.From = iq.From, iq.To
	return iq
}

// Error returns a copy of iq addressed back to its sender and of type
// error, suitable for wrapping a stanza error payload. It panics if iq is
// not a request.
func (iq IQ) Error() IQ {
	if !iq.IsRequest() {
		panic("stanza: Error called on a non-request IQ")
	}
	iq.Type = ErrorIQ
	iq.To, iq.From = iq.From, iq.To
	return iq
}
