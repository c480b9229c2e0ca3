// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package saslerr

import (
	"encoding/xml"
	"testing"
)

var (
	_ error           = Failure{}
	_ xml.Marshaler   = Failure{}
	_ xml.Unmarshaler = (*Failure)(nil)
)

func TestErrorTextOrCondition(t *testing.T) {
	f := Failure{Condition: MechanismTooWeak, Text: "nope"}
	if f.Error() != "nope" {
		t.Errorf("Error() = %q, want %q", f.Error(), "nope")
	}
	f = Failure{Condition: MechanismTooWeak}
	if f.Error() != string(MechanismTooWeak) {
		t.Errorf("Error() = %q, want %q", f.Error(), MechanismTooWeak)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	f := Failure{Condition: NotAuthorized}
	out, err := xml.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: unexpected error: %v", err)
	}
	var f2 Failure
	if err := xml.Unmarshal(out, &f2); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}
	if f2.Condition != f.Condition {
		t.Errorf("Condition = %q, want %q", f2.Condition, f.Condition)
	}
}

func TestUnmarshalUnknownCondition(t *testing.T) {
	const in = `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><wat></wat></failure>`
	var f Failure
	if err := xml.Unmarshal([]byte(in), &f); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}
	if f.Condition != "wat" {
		t.Errorf("Condition = %q, want %q", f.Condition, "wat")
	}
}
