// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package path

import "testing"

func TestJoin(t *testing.T) {
	cases := []struct {
		path  string
		elems []string
		want  string
	}{
		{"", nil, ""},
		{"", []string{"a"}, "a"},
		{"a", nil, "a"},
		{"a", []string{"b"}, "a/b"},
		{"a", []string{"", "b"}, "a/b"},
		{"a/b", []string{"c", "d"}, "a/b/c/d"},
		{"a", []string{"b/../c"}, "a/c"},
	}
	for _, c := range cases {
		if got := Join(c.path, c.elems...); got != c.want {
			t.Errorf("Join(%q, %v) = %q, want %q", c.path, c.elems, got, c.want)
		}
	}
}

func TestCleanFunc(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{".", ""},
		{"a/./b", "a/b"},
		{"a/../b", "b"},
		{"/a/b", "a/b"},
		{"a//b", "a/b"},
	}
	for _, c := range cases {
		if got := Clean(c.in); got != c.want {
			t.Errorf("Clean(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
