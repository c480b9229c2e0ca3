// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/internal/ns"
)

// ErrorType describes how a recipient should react to a stanza error, as
// defined by RFC 6120 §8.3.2.
type ErrorType string

const (
	// Auth indicates that the sender should provide credentials before
	// retrying.
	Auth ErrorType = "auth"

	// Cancel indicates that the error cannot be remedied and the request
	// should not be retried.
	Cancel ErrorType = "cancel"

	// Continue indicates that the error is a warning and processing may
	// continue.
	Continue ErrorType = "continue"

	// Modify indicates that the request was malformed and should be
	// corrected before retrying.
	Modify ErrorType = "modify"

	// Wait indicates a temporary condition and that the request should be
	// retried later.
	Wait ErrorType = "wait"
)

// Condition is a defined stanza error condition, as enumerated in
// RFC 6120 §8.3.3.
type Condition string

const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	Gone                  Condition = "gone"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAcceptable         Condition = "not-acceptable"
	NotAllowed            Condition = "not-allowed"
	NotAuthorized         Condition = "not-authorized"
	PolicyViolation       Condition = "policy-violation"
	RecipientUnavailable  Condition = "recipient-unavailable"
	Redirect              Condition = "redirect"
	RegistrationRequired  Condition = "registration-required"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ResourceConstraint    Condition = "resource-constraint"
	ServiceUnavailable    Condition = "service-unavailable"
	SubscriptionRequired  Condition = "subscription-required"
	UndefinedCondition    Condition = "undefined-condition"
	UnexpectedRequest     Condition = "unexpected-request"
)

// Error is the <error/> child carried by a stanza of type "error". It
// satisfies the error interface so that it can be returned directly from
// code that decodes a stanza response.
type Error struct {
	XMLName   xml.Name  `xml:"error"`
	Type      ErrorType `xml:"type,attr"`
	Condition Condition `xml:",any"`
	Text      string    `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Text != "" {
		return e.Text
	}
	return string(e.Condition)
}

// StartElement converts e into an XML start element suitable for use with
// an xmlstream.TokenWriter.
func (e Error) StartElement() xml.StartElement {
	return xml.StartElement{
		Name: xml.Name{Local: "error"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: string(e.Type)}},
	}
}

// Wrap wraps e's condition, and optional descriptive text, in an <error/>
// element.
func (e Error) Wrap() xml.TokenReader {
	var inner []xml.TokenReader
	inner = append(inner, xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: ns.Stanzas, Local: string(e.Condition)},
	}))
	if e.Text != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(e.Text)),
			xml.StartElement{Name: xml.Name{Space: ns.Stanzas, Local: "text"}},
		))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), e.StartElement())
}

// UnmarshalXML implements xml.Unmarshaler, decoding the error type
// attribute and the first unrecognized child element as the condition.
func (e *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		if a.Name.Local == "type" {
			e.Type = ErrorType(a.Value)
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				var text string
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				e.Text = text
				continue
			}
			e.Condition = Condition(t.Name.Local)
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
