// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package client

import (
	"encoding/xml"
	"net"
)

// fakeServer plays the server side of a handshake over one end of a
// net.Pipe, driven step by step by each test.
type fakeServer struct {
	conn net.Conn
	dec  *xml.Decoder
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, dec: xml.NewDecoder(conn)}
}

func (s *fakeServer) write(raw string) error {
	_, err := s.conn.Write([]byte(raw))
	return err
}

// nextStart reads tokens until it finds a start element, skipping whitespace
// chardata the way the real stream reader does.
func (s *fakeServer) nextStart() (xml.StartElement, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// text reads a single chardata token (or none, for an empty element) and the
// matching end element that follows it.
func (s *fakeServer) text() (string, error) {
	tok, err := s.dec.Token()
	if err != nil {
		return "", err
	}
	if cd, ok := tok.(xml.CharData); ok {
		if _, err := s.dec.Token(); err != nil {
			return "", err
		}
		return string(cd), nil
	}
	return "", nil
}

// streamOpen is the fixed opening tag a server sends in response to a
// client's own opening tag, carrying the id the spec requires servers to
// assign.
func streamOpen(id string) string {
	return `<?xml version='1.0'?><stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:client' id='` + id + `' version='1.0' from='example.com' to=''>`
}
