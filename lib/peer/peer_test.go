// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peer

import (
	"errors"
	"strings"
	"testing"
)

func TestValidID(t *testing.T) {
	t.Parallel()

	id := NewID()
	cases := []struct {
		id   string
		want bool
	}{
		{id, true},
		{strings.ToUpper(id), true},
		{"", false},
		{"00:11:22:33:44:55", false},
		{"urn:uuid:" + id, false},
		{strings.ReplaceAll(id, "-", ""), false},
	}
	for _, tc := range cases {
		if got := ValidID(tc.id); got != tc.want {
			t.Errorf("ValidID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestCanonicalID(t *testing.T) {
	t.Parallel()

	id := NewID()
	got, err := CanonicalID(" " + strings.ToUpper(id) + " ")
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("CanonicalID = %q, want %q", got, id)
	}
	if _, err := CanonicalID("nope"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("CanonicalID(nope) = %v, want ErrInvalidID", err)
	}
}

func TestPropertiesString(t *testing.T) {
	t.Parallel()

	p := Properties{ID: "a", Generation: 3}
	if s := p.String(); s != "a (gen 3)" {
		t.Errorf("String() = %q", s)
	}
}
