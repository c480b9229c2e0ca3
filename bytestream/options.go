// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bytestream

import (
	"context"
	"io"
	"log"
	"time"

	"git.sr.ht/~coreclient/xmpp/client"
)

// Option configures a Manager.
type Option func(*config)

type config struct {
	proxies ProxyDiscovery
	stun    StunClient
	upnp    UPnPMapper

	publicHost  string
	dialTimeout time.Duration

	log *log.Logger
}

func getConfig(c *client.Client, opts ...Option) config {
	cfg := config{
		proxies:     DiscoProxyLister{Client: c},
		dialTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = log.New(io.Discard, "", log.LstdFlags)
	}
	return cfg
}

// ProxyDiscoveryOption installs the collaborator used to discover mediating
// SOCKS5 proxies. The default, DiscoProxyLister, walks the configured
// client's service discovery items.
func ProxyDiscoveryOption(p ProxyDiscovery) Option {
	return func(c *config) {
		c.proxies = p
	}
}

// StunClientOption installs a collaborator used to discover this process's
// public address via STUN, consulted during outgoing direct transfers after
// the server IP-check query and any UPnPMapper; every address found is
// advertised. Unset by default.
func StunClientOption(s StunClient) Option {
	return func(c *config) {
		c.stun = s
	}
}

// UPnPMapperOption installs a collaborator used to map the local streamhost
// listener's port through a NAT gateway. Unset by default.
func UPnPMapperOption(u UPnPMapper) Option {
	return func(c *config) {
		c.upnp = u
	}
}

// PublicHost sets the external address advertised for a direct transfer's
// local streamhost, alongside the local interface addresses, skipping STUN,
// UPnP, and server IP-check discovery entirely.
func PublicHost(host string) Option {
	return func(c *config) {
		c.publicHost = host
	}
}

// DialTimeout bounds how long a single SOCKS5 CONNECT attempt (to a
// streamhost or a proxy) is allowed to take. The default is ten seconds.
func DialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// Logger installs a logger for debug and warning output. The default
// discards output.
func Logger(logger *log.Logger) Option {
	return func(c *config) {
		c.log = logger
	}
}

// ProxyDiscovery discovers candidate mediating SOCKS5 proxies for a
// transfer. It is a small external collaborator per the package's
// Non-goals: this module negotiates with proxies, not discovers or runs
// them.
type ProxyDiscovery interface {
	ListProxies(ctx context.Context) ([]Streamhost, error)
}

// StunClient discovers this process's address as seen from outside any NAT,
// for use as a direct-transfer streamhost candidate. An external
// collaborator; this package includes no STUN implementation.
type StunClient interface {
	PublicAddr(ctx context.Context) (host string, port uint16, err error)
}

// UPnPMapper requests a NAT port mapping for the local streamhost listener.
// An external collaborator; this package includes no UPnP implementation.
type UPnPMapper interface {
	MapPort(ctx context.Context, internalPort uint16) (externalHost string, externalPort uint16, err error)
}
