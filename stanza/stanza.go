// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"git.sr.ht/~coreclient/xmpp/internal/ns"
)

// Is reports whether name identifies a top level stanza (message, presence,
// or iq) in either the client or server content namespace.
func Is(name xml.Name) bool {
	switch name.Local {
	case "iq", "message", "presence":
	default:
		return false
	}
	return name.Space == ns.Client || name.Space == ns.Server || name.Space == ""
}
