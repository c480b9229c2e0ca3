// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bytestream

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/internal/ns"
	"git.sr.ht/~coreclient/xmpp/jid"
)

// Query is the decoded payload of a bytestreams IQ, covering every variant
// the protocol uses: the initiator's offer (SID plus StreamHosts), the
// target's choice (StreamhostUsed), and the initiator's request to activate
// a mediated proxy (Activate).
type Query struct {
	SID            string
	Mode           string
	StreamHosts    []Streamhost
	StreamhostUsed jid.JID
	Activate       jid.JID
}

type wireStreamhost struct {
	JID  jid.JID `xml:"jid,attr"`
	Host string  `xml:"host,attr"`
	Port uint16  `xml:"port,attr"`
}

type wireQuery struct {
	XMLName        xml.Name         `xml:"http://jabber.org/protocol/bytestreams query"`
	SID            string           `xml:"sid,attr,omitempty"`
	Mode           string           `xml:"mode,attr,omitempty"`
	StreamHosts    []wireStreamhost `xml:"streamhost"`
	StreamhostUsed *struct {
		JID jid.JID `xml:"jid,attr"`
	} `xml:"streamhost-used"`
	Activate string `xml:"activate,omitempty"`
}

// decodeQuery decodes a bytestreams query payload from start (already
// consumed) and the remaining tokens on r.
func decodeQuery(start xml.StartElement, r xml.TokenReader) (Query, error) {
	var raw wireQuery
	if err := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(start), r)).Decode(&raw); err != nil {
		return Query{}, err
	}
	q := Query{SID: raw.SID, Mode: raw.Mode}
	for _, h := range raw.StreamHosts {
		q.StreamHosts = append(q.StreamHosts, Streamhost{JID: h.JID, Host: h.Host, Port: h.Port})
	}
	if raw.StreamhostUsed != nil {
		q.StreamhostUsed = raw.StreamhostUsed.JID
	}
	if raw.Activate != "" {
		activate, err := jid.Parse(raw.Activate)
		if err == nil {
			q.Activate = activate
		}
	}
	return q, nil
}

// offerPayload encodes the initiator's streamhost offer.
func offerPayload(sid string, hosts []Streamhost) xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: ns.Bytestreams, Local: "query"}}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "sid"}, Value: sid})

	readers := make([]xml.TokenReader, 0, len(hosts))
	for _, h := range hosts {
		hostStart := xml.StartElement{Name: xml.Name{Local: "streamhost"}, Attr: []xml.Attr{
			{Name: xml.Name{Local: "jid"}, Value: h.JID.String()},
			{Name: xml.Name{Local: "host"}, Value: h.Host},
			{Name: xml.Name{Local: "port"}, Value: strconv.Itoa(int(h.Port))},
		}}
		readers = append(readers, xmlstream.Wrap(nil, hostStart))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(readers...), start)
}

// streamhostUsedPayload encodes the target's chosen-streamhost response.
func streamhostUsedPayload(sid string, used jid.JID) xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: ns.Bytestreams, Local: "query"}}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "sid"}, Value: sid})
	usedStart := xml.StartElement{Name: xml.Name{Local: "streamhost-used"}, Attr: []xml.Attr{
		{Name: xml.Name{Local: "jid"}, Value: used.String()},
	}}
	return xmlstream.Wrap(xmlstream.Wrap(nil, usedStart), start)
}

// activatePayload encodes the initiator's request that a mediating proxy
// bridge the two already-connected SOCKS5 streams for sid.
func activatePayload(sid string, target jid.JID) xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: ns.Bytestreams, Local: "query"}}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "sid"}, Value: sid})
	activateStart := xml.StartElement{Name: xml.Name{Local: "activate"}}
	inner := xmlstream.Wrap(xmlstream.Token(xml.CharData(target.String())), activateStart)
	return xmlstream.Wrap(inner, start)
}

// emptyQueryPayload encodes a bare bytestreams query, used to ask a proxy
// component for its own streamhost address.
func emptyQueryPayload() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: ns.Bytestreams, Local: "query"}})
}
