// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bytestream

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// SOCKS5 protocol constants, RFC 1928 §3-4.
const (
	socks5Version = 0x05

	socks5AuthNone         = 0x00
	socks5AuthNoAcceptable = 0xff

	socks5CmdConnect = 0x01

	socks5ATypIPv4   = 0x01
	socks5ATypDomain = 0x03
	socks5ATypIPv6   = 0x04

	socks5ReplySucceeded = 0x00
)

// dialSOCKS5 connects to proxyAddr and issues a CONNECT for dstHost:dstPort,
// playing the SOCKS5 client role specified by XEP-0065 §5: the "proxy" may
// be a real SOCKS5 proxy discovered via service discovery, or it may be the
// peer itself acting as a SOCKS5 server for a direct transfer. Either way
// the destination host is the SID hash, not a resolvable name, so no
// further name resolution happens on our side; the x/net/proxy SOCKS5
// client only ever sees it as an opaque domain name to hand to the far end.
func dialSOCKS5(ctx context.Context, proxyAddr, dstHost string, dstPort uint16) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("bytestream: building SOCKS5 dialer for %s: %w", proxyAddr, err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	dst := net.JoinHostPort(dstHost, fmt.Sprintf("%d", dstPort))
	if ok {
		return ctxDialer.DialContext(ctx, "tcp", dst)
	}
	return dialer.Dial("tcp", dst)
}
