// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package sasl

import (
	"crypto/tls"
	"errors"
	"strings"

	extsasl "mellium.im/sasl"
)

// ErrNoSupportedMechanism is returned by Select when none of the
// server-advertised mechanisms are supported by this engine.
var ErrNoSupportedMechanism = errors.New("sasl: no supported mechanism advertised by server")

// preference lists mechanism names from strongest to weakest. Select always
// returns the first entry that the server also advertised, regardless of the
// order the server sent them in.
var preference = []string{"SCRAM-SHA-1", "DIGEST-MD5", "PLAIN"}

// Select picks the best mechanism from the set the server advertised,
// preferring SCRAM-SHA-1, then DIGEST-MD5, then PLAIN. Matching is
// case-insensitive. If none of the offered mechanisms are supported,
// ErrNoSupportedMechanism is returned.
func Select(offered []string) (string, error) {
	for _, want := range preference {
		for _, have := range offered {
			if strings.EqualFold(want, have) {
				return want, nil
			}
		}
	}
	return "", ErrNoSupportedMechanism
}

// Engine drives the challenge/response state machine for a single mechanism
// over the course of one authentication attempt. It is not safe for
// concurrent use, and a new Engine must be created for every attempt (the
// per-session mechanism table spec.md §9 calls for, in place of a process
// global registry).
type Engine struct {
	name      string
	client    *extsasl.Negotiator
	completed bool
}

// hasInitial reports, per mechanism, whether the client speaks first.
// DIGEST-MD5 always waits for the server's first challenge; PLAIN and
// SCRAM-SHA-1 both send a payload with the initial <auth/> element.
func hasInitial(name string) bool {
	return !strings.EqualFold(name, "DIGEST-MD5")
}

// New constructs an Engine for the named mechanism (one of "PLAIN",
// "DIGEST-MD5", or "SCRAM-SHA-1", as returned by Select). remote is the full
// list of mechanisms the server advertised, passed through so SCRAM-SHA-1
// can note whether the channel-binding variant was also offered.
// tlsState, if non-nil, is passed to mechanisms that support channel
// binding.
func New(name, username, password string, remote []string, tlsState *tls.ConnectionState) (*Engine, error) {
	mech, err := mechanismFor(name)
	if err != nil {
		return nil, err
	}

	opts := []extsasl.Option{
		extsasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(username), []byte(password), nil
		}),
		extsasl.RemoteMechanisms(remote...),
	}
	if tlsState != nil {
		opts = append(opts, extsasl.TLSState(*tlsState))
	}

	return &Engine{
		name:   name,
		client: extsasl.NewClient(mech, opts...),
	}, nil
}

func mechanismFor(name string) (extsasl.Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return extsasl.Plain, nil
	case "SCRAM-SHA-1":
		return extsasl.ScramSha1, nil
	case "DIGEST-MD5":
		return digestMD5, nil
	}
	return extsasl.Mechanism{}, ErrNoSupportedMechanism
}

// Name reports the mechanism this engine negotiates.
func (e *Engine) Name() string {
	return e.name
}

// HasInitialResponse reports whether the mechanism sends a payload with the
// initial <auth/> element, before any server challenge has been seen.
func (e *Engine) HasInitialResponse() bool {
	return hasInitial(e.name)
}

// IsCompleted reports whether the mechanism believes negotiation is done.
// It only becomes true once Response has driven the state machine to
// completion.
func (e *Engine) IsCompleted() bool {
	return e.completed
}

// Response advances the state machine with the server's challenge and
// returns the client's next response. Call it with a nil challenge to
// obtain the initial response (only meaningful when HasInitialResponse is
// true); every subsequent call passes the server's most recent challenge.
func (e *Engine) Response(challenge []byte) ([]byte, error) {
	if !hasInitial(e.name) && e.client.State()&extsasl.StepMask == extsasl.Initial {
		// A server-first mechanism's Start step sends nothing; run it here so
		// the server's first challenge reaches Next.
		if _, _, err := e.client.Step(nil); err != nil {
			return nil, err
		}
	}
	more, resp, err := e.client.Step(challenge)
	if err != nil {
		return nil, err
	}
	if !more {
		e.completed = true
	}
	return resp, nil
}
