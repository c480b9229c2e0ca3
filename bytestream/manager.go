// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bytestream

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"mellium.im/xmlstream"

	"git.sr.ht/~coreclient/xmpp/client"
	"git.sr.ht/~coreclient/xmpp/internal/ns"
	"git.sr.ht/~coreclient/xmpp/jid"
	"git.sr.ht/~coreclient/xmpp/stanza"
)

// ErrNoCandidates is returned by SendFile when no streamhost candidate —
// neither a local listener nor a discovered proxy — could be assembled for
// the offer.
var ErrNoCandidates = errors.New("bytestream: no streamhost candidates available")

// ErrSessionNotExpected is returned by HandleBytestreamsQuery when the
// incoming offer's SID was never registered with ExpectSession.
var ErrSessionNotExpected = errors.New("bytestream: no session expects this SID")

// ErrTransferCancelled is the error OnTransferAborted receives when a
// transfer ends because CancelTransfer (or Session.Cancel) was called on it
// rather than because of a network error or short transfer.
var ErrTransferCancelled = errors.New("bytestream: transfer cancelled")

// Manager negotiates and runs XEP-0065 SOCKS5 bytestream transfers over a
// connected client.Client. OnBytesTransferred and OnTransferAborted live
// here rather than on Client because both events carry a Session, which
// this package owns, and because Manager already calls back into
// client.Client.IQRequestBlocking to drive negotiation, so Client cannot
// also depend on bytestream without a import cycle.
type Manager struct {
	client *client.Client
	cfg    config

	sessMu   sync.Mutex
	sessions map[string]*Session

	eventMu            sync.Mutex
	onBytesTransferred []func(*Session, int64)
	onTransferAborted  []func(*Session, error)
}

// New creates a Manager bound to c and registers the IQ handler that
// answers incoming bytestream offers.
func New(c *client.Client, opts ...Option) *Manager {
	m := &Manager{
		client:   c,
		cfg:      getConfig(c, opts...),
		sessions: make(map[string]*Session),
	}
	c.OnIQ(m.handleIQ)
	return m
}

// ExpectSession registers session so that an incoming offer naming its SID
// (when this process is the transfer's target) can be matched to it. The
// caller is expected to have negotiated the transfer's existence (size,
// filename, SID) out of band, e.g. via stream initiation, before the offer
// arrives.
func (m *Manager) ExpectSession(s *Session) {
	s.mgr = m
	m.sessMu.Lock()
	m.sessions[s.SID] = s
	m.sessMu.Unlock()
}

// CancelTransfer implements spec §4.5.5's cancel_transfer(session): it
// deregisters session's SID and closes its Stream, so a pump loop currently
// moving its bytes sees the closed stream, hits its own error path, and
// exits; abort is idempotent, so if pump also calls it the
// ErrTransferCancelled raised here wins and the race is harmless.
func (m *Manager) CancelTransfer(session *Session) {
	m.sessMu.Lock()
	delete(m.sessions, session.SID)
	m.sessMu.Unlock()

	session.abort(ErrTransferCancelled)
	if session.Stream != nil {
		session.Stream.Close()
	}
}

// OnBytesTransferred registers a subscriber invoked after each chunk of a
// session's data has been moved.
func (m *Manager) OnBytesTransferred(f func(*Session, int64)) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onBytesTransferred = append(m.onBytesTransferred, f)
}

// OnTransferAborted registers a subscriber invoked when a session ends
// early, either because of a network error or because fewer bytes arrived
// than Size promised.
func (m *Manager) OnTransferAborted(f func(*Session, error)) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onTransferAborted = append(m.onTransferAborted, f)
}

func (m *Manager) raiseBytesTransferred(s *Session, n int64) {
	m.eventMu.Lock()
	handlers := append([]func(*Session, int64){}, m.onBytesTransferred...)
	m.eventMu.Unlock()
	for _, h := range handlers {
		h(s, n)
	}
}

func (m *Manager) raiseTransferAborted(s *Session, err error) {
	m.eventMu.Lock()
	handlers := append([]func(*Session, error){}, m.onTransferAborted...)
	m.eventMu.Unlock()
	for _, h := range handlers {
		h(s, err)
	}
}

// SendFile drives an outgoing transfer (spec §4.5.1): it assembles the
// candidate streamhost list (a local listener, if one can be advertised,
// plus any proxies discovered via ProxyDiscovery), offers it to session.To,
// and once the target reports which candidate it used, pumps session's
// data over that connection, either accepted directly on the local listener
// or dialed through the chosen mediating proxy. It blocks for the lifetime of the transfer; progress and
// failures mid-transfer are reported through OnBytesTransferred and
// OnTransferAborted rather than through the returned error, which only
// covers negotiation failures.
func (m *Manager) SendFile(ctx context.Context, session *Session) error {
	m.ExpectSession(session)

	initiator := session.From
	target := session.To

	var ln *listener
	candidates := m.discoverProxies(ctx)
	if l, hosts, ok := m.discoverSelf(ctx); ok {
		ln = l
		direct := make([]Streamhost, 0, len(hosts))
		for _, host := range hosts {
			direct = append(direct, Streamhost{JID: initiator, Host: host, Port: ln.port()})
		}
		candidates = append(direct, candidates...)
	} else if l != nil {
		l.close()
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}

	offerIQ := stanza.IQ{To: target, Type: stanza.SetIQ}
	resIQ, resPayload, err := m.client.IQRequestBlocking(ctx, offerIQ, offerPayload(session.SID, candidates), 0)
	if err != nil {
		if ln != nil {
			ln.close()
		}
		return fmt.Errorf("bytestream: offering streamhosts: %w", err)
	}
	if resIQ.Type == stanza.ErrorIQ {
		if ln != nil {
			ln.close()
		}
		return fmt.Errorf("bytestream: target rejected streamhost offer")
	}
	q, err := readQuery(resPayload)
	if err != nil {
		if ln != nil {
			ln.close()
		}
		return fmt.Errorf("bytestream: decoding streamhost-used response: %w", err)
	}

	if ln != nil && q.StreamhostUsed.Equal(initiator) {
		conn, err := ln.accept(SIDHash(session.SID, initiator, target))
		ln.close()
		if err != nil {
			return fmt.Errorf("bytestream: accepting direct connection: %w", err)
		}
		m.pump(session, conn, true)
		return nil
	}
	if ln != nil {
		ln.close()
	}

	for _, cand := range candidates {
		if !cand.JID.Equal(q.StreamhostUsed) {
			continue
		}
		conn, err := dialSOCKS5(ctx, net.JoinHostPort(cand.Host, strconv.Itoa(int(cand.Port))), SIDHash(session.SID, initiator, target), 0)
		if err != nil {
			return fmt.Errorf("bytestream: connecting to mediating proxy %s: %w", cand.JID, err)
		}
		activateIQ := stanza.IQ{To: cand.JID, Type: stanza.SetIQ}
		_, _, err = m.client.IQRequestBlocking(ctx, activateIQ, activatePayload(session.SID, target), 0)
		if err != nil {
			conn.Close()
			return fmt.Errorf("bytestream: activating proxy %s: %w", cand.JID, err)
		}
		m.pump(session, conn, true)
		return nil
	}
	return fmt.Errorf("bytestream: target reported unknown streamhost %s", q.StreamhostUsed)
}

// negotiationError pairs a negotiation failure with the stanza error
// condition spec §4.5.4 requires handleIQ's response to carry, since
// ErrSessionNotExpected (not-acceptable), an unsupported mode (
// feature-not-implemented), and an exhausted candidate list (item-not-found)
// are distinct outcomes rather than one generic failure.
type negotiationError struct {
	cond stanza.Condition
	err  error
}

func (e *negotiationError) Error() string { return e.err.Error() }
func (e *negotiationError) Unwrap() error { return e.err }

// errTypeFor reports the RFC 6120 §8.3.2 error type recommended for cond.
func errTypeFor(cond stanza.Condition) stanza.ErrorType {
	if cond == stanza.NotAcceptable {
		return stanza.Modify
	}
	return stanza.Cancel
}

// HandleBytestreamsQuery implements incoming-transfer negotiation (spec
// §4.5.4): it rejects mode="udp" outright, then tries each candidate
// streamhost in q, in order, as a SOCKS5 client, and on the first successful
// CONNECT starts pumping the session's data, records that streamhost on the
// session (handleIQ names it in the response payload), and returns a result
// IQ. If every candidate fails it returns an item-not-found
// error IQ; an unrecognized SID returns not-acceptable.
func (m *Manager) HandleBytestreamsQuery(iq stanza.IQ, q Query) (stanza.IQ, error) {
	if q.Mode == "udp" {
		return iq.Error(), &negotiationError{
			cond: stanza.FeatureNotImplemented,
			err:  fmt.Errorf("bytestream: mode=%q is not supported for sid %q", q.Mode, q.SID),
		}
	}

	m.sessMu.Lock()
	session, ok := m.sessions[q.SID]
	m.sessMu.Unlock()
	if !ok {
		return iq.Error(), &negotiationError{cond: stanza.NotAcceptable, err: ErrSessionNotExpected}
	}

	hash := SIDHash(q.SID, iq.From, m.client.LocalAddr())
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.dialTimeout)
	defer cancel()

	for _, cand := range q.StreamHosts {
		conn, err := dialSOCKS5(ctx, net.JoinHostPort(cand.Host, strconv.Itoa(int(cand.Port))), hash, 0)
		if err != nil {
			m.cfg.log.Printf("bytestream: candidate %s unreachable: %v", cand.JID, err)
			continue
		}
		session.usedHost = cand.JID
		go m.pump(session, conn, false)
		return iq.Result(), nil
	}
	return iq.Error(), &negotiationError{
		cond: stanza.ItemNotFound,
		err:  fmt.Errorf("bytestream: no candidate streamhost for sid %q was reachable", q.SID),
	}
}

// handleIQ is registered with client.Client.OnIQ and answers inbound
// bytestream offers; every other inbound IQ is ignored so other handlers
// registered on the same client remain unaffected.
func (m *Manager) handleIQ(iq stanza.IQ, payload xml.TokenReader) {
	if iq.Type != stanza.SetIQ {
		return
	}
	tok, err := payload.Token()
	if err != nil {
		return
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Space != ns.Bytestreams || start.Name.Local != "query" {
		return
	}
	q, err := decodeQuery(start, payload)
	if err != nil || (len(q.StreamHosts) == 0 && q.Mode != "udp") {
		return
	}
	resp, negErr := m.HandleBytestreamsQuery(iq, q)

	var respPayload xml.TokenReader
	if negErr != nil {
		m.cfg.log.Printf("bytestream: negotiating incoming transfer sid=%q: %v", q.SID, negErr)
		cond := stanza.ItemNotFound
		var typed *negotiationError
		if errors.As(negErr, &typed) {
			cond = typed.cond
		}
		respPayload = stanza.Error{Type: errTypeFor(cond), Condition: cond}.Wrap()
	} else {
		m.sessMu.Lock()
		session := m.sessions[q.SID]
		m.sessMu.Unlock()
		respPayload = streamhostUsedPayload(q.SID, session.usedHost)
	}
	if err := m.client.IQResponse(resp, respPayload); err != nil {
		m.cfg.log.Printf("bytestream: sending response to sid=%q offer: %v", q.SID, err)
	}
}

// pump moves session.Stream's bytes to or from conn until EOF or error,
// raising OnBytesTransferred for every chunk and OnTransferAborted if the
// connection fails or ends before Size bytes have moved. On the receiving
// side it reads exactly Size bytes off conn (spec §4.5.4), never more, so a
// peer that keeps writing past the agreed size cannot push session.Count
// past session.Size.
func (m *Manager) pump(session *Session, conn net.Conn, sending bool) {
	defer conn.Close()

	var r io.Reader
	var w io.Writer
	if sending {
		r, w = session.Stream, conn
	} else {
		r, w = conn, session.Stream
		if session.Size > 0 {
			r = io.LimitReader(conn, session.Size)
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, rErr := r.Read(buf)
		if n > 0 {
			if _, wErr := w.Write(buf[:n]); wErr != nil {
				session.abort(wErr)
				return
			}
			session.advance(int64(n))
		}
		if rErr != nil {
			if errors.Is(rErr, io.EOF) {
				if session.Size > 0 && session.Count < session.Size {
					session.abort(fmt.Errorf("bytestream: short transfer: got %d of %d bytes", session.Count, session.Size))
				}
				return
			}
			session.abort(rErr)
			return
		}
	}
}

// discoverSelf starts a local streamhost listener and assembles the host
// list a direct transfer advertises for it, per spec §4.5.3: every local
// non-loopback, operationally up IPv4 address, plus every external address
// the §4.5.1 discovery chain turns up — an explicit PublicHost override if
// set, else the union of a server IP-check query (XEP-0279), an optional
// UPnPMapper collaborator, and an optional StunClient collaborator, in that
// order. It returns ok=false if no host at all could be assembled; the
// listener it started, if any, is then returned still open for the caller
// to close, and the caller falls back to proxy candidates only.
func (m *Manager) discoverSelf(ctx context.Context) (*listener, []string, bool) {
	ln, err := listen()
	if err != nil {
		m.cfg.log.Printf("bytestream: not offering a direct candidate: %v", err)
		return nil, nil, false
	}

	hosts := localIPv4Hosts()

	if m.cfg.publicHost != "" {
		hosts = append(hosts, m.cfg.publicHost)
	} else {
		if host, err := m.serverIPCheck(ctx); err == nil && host != "" {
			hosts = append(hosts, host)
		}
		if m.cfg.upnp != nil {
			if host, _, err := m.cfg.upnp.MapPort(ctx, ln.port()); err == nil && host != "" {
				hosts = append(hosts, host)
			}
		}
		if m.cfg.stun != nil {
			if host, _, err := m.cfg.stun.PublicAddr(ctx); err == nil && host != "" {
				hosts = append(hosts, host)
			}
		}
	}

	if len(hosts) == 0 {
		m.cfg.log.Printf("bytestream: no reachable address found for a direct transfer")
		return ln, nil, false
	}
	return ln, hosts, true
}

// localIPv4Hosts lists every non-loopback, operationally up local IPv4
// address, per spec §4.5.3. IPv6 enumeration is out of scope.
func localIPv4Hosts() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var hosts []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			hosts = append(hosts, ip4.String())
		}
	}
	return hosts
}

// serverIPCheck asks the connected server for this client's address as it
// sees it (XEP-0279 Server IP Check), the first external source discoverSelf
// consults, before UPnP and STUN.
func (m *Manager) serverIPCheck(ctx context.Context) (string, error) {
	const nsServerIPCheck = "urn:xmpp:sic:1"
	iq := stanza.IQ{To: m.client.LocalAddr().Domain(), Type: stanza.GetIQ}
	start := xml.StartElement{Name: xml.Name{Space: nsServerIPCheck, Local: "address"}}
	_, resPayload, err := m.client.IQRequestBlocking(ctx, iq, wrapEmpty(start), 0)
	if err != nil {
		return "", err
	}
	tok, err := resPayload.Token()
	if err != nil {
		return "", err
	}
	respStart, ok := tok.(xml.StartElement)
	if !ok {
		return "", fmt.Errorf("bytestream: malformed server IP-check response")
	}
	for _, a := range respStart.Attr {
		if a.Name.Local == "ip" {
			return a.Value, nil
		}
	}
	return "", fmt.Errorf("bytestream: server IP-check response carried no address")
}

func (m *Manager) discoverProxies(ctx context.Context) []Streamhost {
	proxies, err := m.cfg.proxies.ListProxies(ctx)
	if err != nil {
		m.cfg.log.Printf("bytestream: discovering proxies: %v", err)
		return nil
	}
	return proxies
}

// DiscoProxyLister is the default ProxyDiscovery: it walks Client's service
// discovery items for entries advertising the proxy/bytestreams identity,
// then asks each one for its own streamhost address.
type DiscoProxyLister struct {
	Client *client.Client
}

// ListProxies implements ProxyDiscovery.
func (d DiscoProxyLister) ListProxies(ctx context.Context) ([]Streamhost, error) {
	domain := d.Client.LocalAddr().Domain()
	items, err := d.listItems(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("bytestream: listing disco items of %s: %w", domain, err)
	}

	var out []Streamhost
	for _, item := range items {
		isProxy, err := d.isBytestreamsProxy(ctx, item)
		if err != nil || !isProxy {
			continue
		}
		host, port, err := d.streamhostAddr(ctx, item)
		if err != nil {
			continue
		}
		out = append(out, Streamhost{JID: item, Host: host, Port: port})
	}
	return out, nil
}

func (d DiscoProxyLister) listItems(ctx context.Context, target jid.JID) ([]jid.JID, error) {
	iq := stanza.IQ{To: target, Type: stanza.GetIQ}
	start := xml.StartElement{Name: xml.Name{Space: ns.DiscoItems, Local: "query"}}
	_, resPayload, err := d.Client.IQRequestBlocking(ctx, iq, wrapEmpty(start), 0)
	if err != nil {
		return nil, err
	}
	var raw struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
		Items   []struct {
			JID jid.JID `xml:"jid,attr"`
		} `xml:"item"`
	}
	if err := decodeInto(resPayload, &raw); err != nil {
		return nil, err
	}
	jids := make([]jid.JID, 0, len(raw.Items))
	for _, it := range raw.Items {
		jids = append(jids, it.JID)
	}
	return jids, nil
}

func (d DiscoProxyLister) isBytestreamsProxy(ctx context.Context, target jid.JID) (bool, error) {
	iq := stanza.IQ{To: target, Type: stanza.GetIQ}
	start := xml.StartElement{Name: xml.Name{Space: ns.DiscoInfo, Local: "query"}}
	_, resPayload, err := d.Client.IQRequestBlocking(ctx, iq, wrapEmpty(start), 0)
	if err != nil {
		return false, err
	}
	var raw struct {
		XMLName    xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
		Identities []struct {
			Category string `xml:"category,attr"`
			Type     string `xml:"type,attr"`
		} `xml:"identity"`
	}
	if err := decodeInto(resPayload, &raw); err != nil {
		return false, err
	}
	for _, id := range raw.Identities {
		if id.Category == "proxy" && id.Type == "bytestreams" {
			return true, nil
		}
	}
	return false, nil
}

func (d DiscoProxyLister) streamhostAddr(ctx context.Context, target jid.JID) (string, uint16, error) {
	iq := stanza.IQ{To: target, Type: stanza.GetIQ}
	_, resPayload, err := d.Client.IQRequestBlocking(ctx, iq, emptyQueryPayload(), 0)
	if err != nil {
		return "", 0, err
	}
	q, err := readQuery(resPayload)
	if err != nil {
		return "", 0, err
	}
	if len(q.StreamHosts) == 0 {
		return "", 0, fmt.Errorf("bytestream: proxy %s advertised no streamhost", target)
	}
	return q.StreamHosts[0].Host, q.StreamHosts[0].Port, nil
}

// wrapEmpty returns a TokenReader for a single childless element.
func wrapEmpty(start xml.StartElement) xml.TokenReader {
	return xmlstream.Wrap(nil, start)
}

// readQuery reads the leading start element off r and decodes it as a
// bytestreams query.
func readQuery(r xml.TokenReader) (Query, error) {
	tok, err := r.Token()
	if err != nil {
		return Query{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return Query{}, fmt.Errorf("bytestream: expected a start element, got %T", tok)
	}
	return decodeQuery(start, r)
}

// decodeInto reads the leading start element off r and decodes the element
// it begins into v.
func decodeInto(r xml.TokenReader, v interface{}) error {
	tok, err := r.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("bytestream: expected a start element, got %T", tok)
	}
	return xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(start), r)).Decode(v)
}
