// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package jid provides the JID (Jabber ID) type used to address entities on
// an XMPP network.
package jid // import "git.sr.ht/~coreclient/xmpp/jid"

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned when a JID cannot be parsed or constructed.
var (
	ErrInvalidUTF8     = errors.New("jid: contains invalid UTF-8")
	ErrLongLocalpart   = errors.New("jid: localpart must be smaller than 1024 bytes")
	ErrLongDomainpart  = errors.New("jid: domainpart must be between 1 and 1023 bytes")
	ErrLongResource    = errors.New("jid: resourcepart must be smaller than 1024 bytes")
	ErrForbiddenLocal  = errors.New("jid: localpart contains forbidden characters")
	ErrEmptyLocal      = errors.New("jid: localpart must be larger than 0 bytes")
	ErrEmptyResource   = errors.New("jid: resourcepart must be larger than 0 bytes")
	ErrInvalidIP6      = errors.New("jid: domainpart is not a valid IPv6 address")
)

// JID represents an XMPP address of the form node@domain/resource as
// described in RFC 6122. Localpart and domainpart comparisons are
// case-insensitive; resourcepart comparisons are case-sensitive.
//
// The zero value is not a valid JID. JIDs should be created with Parse or
// New.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from its string representation,
// "localpart@domainpart/resourcepart".
func Parse(s string) (JID, error) {
	local, domain, resource, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse except that it panics if the JID cannot be parsed.
// It is intended for use with constants known ahead of time, such as in
// tests.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic("jid: Parse(" + s + "): " + err.Error())
	}
	return j
}

// New constructs a JID from its three parts. Localpart and resourcepart may
// be empty; domainpart is required.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}

	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return JID{}, err
	}
	domainpart = strings.TrimSuffix(domainpart, ".")
	if !utf8.ValidString(domainpart) {
		return JID{}, ErrInvalidUTF8
	}
	// Case-insensitivity for the domainpart is specified by applying the
	// same width/case mapping that IDNA already performs, plus an explicit
	// ASCII fold so that literal IPv4/IPv6 hosts also compare equal.
	domainpart = strings.ToLower(domainpart)

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
	}
	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}

	return JID{localpart: localpart, domainpart: domainpart, resourcepart: resourcepart}, nil
}

// Localpart returns the localpart of the JID (eg. "username"), or the empty
// string if none is set.
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the domainpart of the JID (eg. "example.net").
func (j JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the resourcepart of the JID, or the empty string if
// none is set.
func (j JID) Resourcepart() string { return j.resourcepart }

// Bare returns a copy of the JID without its resourcepart.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// Domain returns a copy of the JID with only its domainpart.
func (j JID) Domain() JID {
	return JID{domainpart: j.domainpart}
}

// WithResource returns a copy of the JID with a new resourcepart.
func (j JID) WithResource(resourcepart string) (JID, error) {
	if resourcepart == "" {
		j.resourcepart = ""
		return j, nil
	}
	if !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}
	r, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return JID{}, err
	}
	if len(r) > 1023 {
		return JID{}, ErrLongResource
	}
	j.resourcepart = r
	return j, nil
}

// IsZero reports whether j is the zero value (no domainpart set).
func (j JID) IsZero() bool {
	return j.domainpart == "" && j.localpart == "" && j.resourcepart == ""
}

// Network satisfies net.Addr by returning the constant "xmpp".
func (JID) Network() string { return "xmpp" }

// String returns the string representation of the JID,
// "localpart@domainpart/resourcepart", omitting the localpart and
// resourcepart if they are empty.
func (j JID) String() string {
	var b strings.Builder
	if j.localpart != "" {
		b.WriteString(j.localpart)
		b.WriteByte('@')
	}
	b.WriteString(j.domainpart)
	if j.resourcepart != "" {
		b.WriteByte('/')
		b.WriteString(j.resourcepart)
	}
	return b.String()
}

// Equal performs a case-appropriate, part-by-part comparison of two JIDs:
// localpart and domainpart are compared case-insensitively, resourcepart
// case-sensitively.
func (j JID) Equal(j2 JID) bool {
	return strings.EqualFold(j.localpart, j2.localpart) &&
		strings.EqualFold(j.domainpart, j2.domainpart) &&
		j.resourcepart == j2.resourcepart
}

// MarshalXML satisfies xml.Marshaler by encoding the JID as character data.
func (j JID) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(j.String())); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML satisfies xml.Unmarshaler by decoding character data into a
// JID.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	data := struct {
		CharData string `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&data, &start); err != nil {
		return err
	}
	if data.CharData == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(data.CharData)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr by encoding the JID as an XML
// attribute value.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr by decoding an attribute
// value into a JID.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// SplitString splits s into its localpart, domainpart, and resourcepart. The
// parts are not validated or normalized.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: match the separator characters before any
	// transformation is applied, since some transforms can produce new '@'
	// or '/' characters.
	if sep := strings.IndexByte(s, '/'); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", ErrEmptyResource
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.IndexByte(s, '@'); sep {
	case -1:
		domainpart = s
	case 0:
		return "", "", "", ErrEmptyLocal
	default:
		localpart = s[:sep]
		domainpart = s[sep+1:]
	}

	domainpart = strings.TrimSuffix(domainpart, ".")
	return localpart, domainpart, resourcepart, nil
}

func checkIP6String(domainpart string) error {
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") && strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return ErrInvalidIP6
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 {
		return ErrLongLocalpart
	}
	if bytes.ContainsAny([]byte(localpart), `"&'/:<>@`) {
		return ErrForbiddenLocal
	}
	if len(resourcepart) > 1023 {
		return ErrLongResource
	}
	if l := len(domainpart); l < 1 || l > 1023 {
		return ErrLongDomainpart
	}
	return checkIP6String(domainpart)
}
