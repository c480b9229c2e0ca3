// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package sasl

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	extsasl "mellium.im/sasl"
)

// Errors returned while negotiating DIGEST-MD5.
var (
	ErrMissingNonce    = errors.New("sasl: digest-md5 challenge is missing nonce")
	ErrRspauthMismatch = errors.New("sasl: digest-md5 server signature does not match")
)

// digestMD5Params holds the values parsed from the server's first challenge
// plus the client-generated cnonce, carried from step 0 to step 1 via the
// mechanism's cache argument so the second challenge's rspauth can be
// verified against the same HA1.
type digestMD5Params struct {
	step      int
	username  string
	password  string
	realm     string
	nonce     string
	qop       string
	cnonce    string
	digestURI string
	ha1       [md5.Size]byte
}

// digestMD5 implements RFC 2831 DIGEST-MD5 as a mellium.im/sasl.Mechanism
// literal, in the shape of s2s.TLSAuth's hand-rolled EXTERNAL mechanism.
// mellium.im/sasl does not ship DIGEST-MD5, so the challenge/response
// arithmetic below is written directly against RFC 2831.
var digestMD5 = extsasl.Mechanism{
	Name: "DIGEST-MD5",
	Start: func(m *extsasl.Negotiator) (more bool, resp []byte, cache interface{}, err error) {
		// DIGEST-MD5 is server-first: the client sends no initial data.
		return true, nil, &digestMD5Params{step: 0}, nil
	},
	Next: func(m *extsasl.Negotiator, challenge []byte, cache interface{}) (more bool, resp []byte, next interface{}, err error) {
		params, _ := cache.(*digestMD5Params)
		if params == nil {
			params = &digestMD5Params{}
		}
		switch params.step {
		case 0:
			return digestMD5FirstResponse(m, params, challenge)
		case 1:
			if err := verifyRspauth(params, challenge); err != nil {
				return false, nil, nil, err
			}
			// RFC 2831: the client's final message is empty.
			return false, []byte{}, nil, nil
		}
		return false, nil, nil, fmt.Errorf("sasl: digest-md5: too many server challenges")
	},
}

func digestMD5FirstResponse(m *extsasl.Negotiator, params *digestMD5Params, challenge []byte) (more bool, resp []byte, next interface{}, err error) {
	fields := parseDigestFields(string(challenge))
	params.realm = fields["realm"]
	params.nonce = fields["nonce"]
	params.qop = fields["qop"]
	if params.qop == "" {
		params.qop = "auth"
	}
	if params.nonce == "" {
		return false, nil, nil, ErrMissingNonce
	}

	username, password, _ := m.Credentials()
	params.username = string(username)
	params.password = string(password)
	params.digestURI = "xmpp/" + params.realm

	cnonceBytes := make([]byte, 16)
	if _, err := rand.Read(cnonceBytes); err != nil {
		return false, nil, nil, err
	}
	params.cnonce = hex.EncodeToString(cnonceBytes)

	h := md5.Sum([]byte(params.username + ":" + params.realm + ":" + params.password))
	params.ha1 = md5.Sum([]byte(string(h[:]) + ":" + params.nonce + ":" + params.cnonce))

	response := computeDigestResponse(params.ha1, params.nonce, "00000001", params.cnonce, params.qop, "AUTHENTICATE:"+params.digestURI)

	var b strings.Builder
	fmt.Fprintf(&b, `username="%s"`, digestQuote(params.username))
	if params.realm != "" {
		fmt.Fprintf(&b, `,realm="%s"`, digestQuote(params.realm))
	}
	fmt.Fprintf(&b, `,nonce="%s",nc=00000001,cnonce="%s",digest-uri="%s",response=%s,qop=%s,charset=utf-8`,
		digestQuote(params.nonce), digestQuote(params.cnonce), digestQuote(params.digestURI), response, params.qop)

	params.step = 1
	return true, []byte(b.String()), params, nil
}

// verifyRspauth recomputes the server's expected signature (RFC 2831 §2.1.3,
// using ":digest-uri" rather than "AUTHENTICATE:digest-uri" as the A2
// prefix) and compares it against the rspauth field of the server's second
// challenge.
func verifyRspauth(params *digestMD5Params, challenge []byte) error {
	fields := parseDigestFields(string(challenge))
	got := fields["rspauth"]
	if got == "" {
		return ErrRspauthMismatch
	}
	want := computeDigestResponse(params.ha1, params.nonce, "00000001", params.cnonce, params.qop, ":"+params.digestURI)
	if !strings.EqualFold(got, want) {
		return ErrRspauthMismatch
	}
	return nil
}

func computeDigestResponse(ha1 [md5.Size]byte, nonce, nc, cnonce, qop, a2 string) string {
	ha2 := md5.Sum([]byte(a2))
	resp := md5.Sum([]byte(hex.EncodeToString(ha1[:]) + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + hex.EncodeToString(ha2[:])))
	return hex.EncodeToString(resp[:])
}

// parseDigestFields parses a DIGEST-MD5 challenge of the form
// key1=value1,key2="value2",... into a map. Quoted values have their quotes
// stripped; this is intentionally permissive rather than a strict RFC 2831
// grammar parser.
func parseDigestFields(s string) map[string]string {
	fields := make(map[string]string)
	for _, part := range splitDigestPairs(s) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		fields[key] = val
	}
	return fields
}

// splitDigestPairs splits a comma-separated attribute list while respecting
// commas embedded inside quoted values.
func splitDigestPairs(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func digestQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
