// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package path

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		ok       bool
		alias    string
		user     string
		host     string
		filePath string
	}{
		{"alice@id.bitdust.io:docs/report.txt", true, "master", "alice", "id.bitdust.io", "docs/report.txt"},
		{"alice@id.bitdust.io", true, "master", "alice", "id.bitdust.io", ""},
		{"alice@id.bitdust.io:", true, "master", "alice", "id.bitdust.io", ""},
		{"shared$alice@id.bitdust.io:docs", true, "shared", "alice", "id.bitdust.io", "docs"},
		{"alice@id.bitdust.io:docs/../docs/report.txt", true, "master", "alice", "id.bitdust.io", "docs/report.txt"},
		{"@id.bitdust.io:x", false, "", "", "", ""},
		{"alice:x", false, "", "", "", ""},
		{"alice@:x", false, "", "", "", ""},
		{"$alice@id.bitdust.io:x", false, "", "", "", ""},
	}
	for _, c := range cases {
		p, err := Parse(c.in)
		if !c.ok {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got nil", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", c.in, err)
			continue
		}
		g := p.GlobalID()
		if string(g.Alias) != c.alias || g.User != c.user || g.Host != c.host || g.Path != c.filePath {
			t.Errorf("Parse(%q) = %+v, want alias=%s user=%s host=%s path=%s", c.in, g, c.alias, c.user, c.host, c.filePath)
		}
	}
}

func TestElemAndNElem(t *testing.T) {
	p, err := Parse("alice@id.bitdust.io:a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if n := p.NElem(); n != 3 {
		t.Fatalf("NElem() = %d, want 3", n)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := p.Elem(i); got != want {
			t.Errorf("Elem(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestRootNElem(t *testing.T) {
	p, err := Parse("alice@id.bitdust.io")
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsRoot() {
		t.Errorf("expected root")
	}
	if n := p.NElem(); n != 0 {
		t.Errorf("NElem() = %d, want 0", n)
	}
}

func TestDropAndFirst(t *testing.T) {
	p, err := Parse("alice@id.bitdust.io:a/b/c/d")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Drop(2).FilePath(); got != "a/b" {
		t.Errorf("Drop(2) = %q, want %q", got, "a/b")
	}
	if got := p.First(2).FilePath(); got != "a/b" {
		t.Errorf("First(2) = %q, want %q", got, "a/b")
	}
}

func TestJoinMethod(t *testing.T) {
	p, err := Parse("alice@id.bitdust.io:a")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Join("b", "c").FilePath(); got != "a/b/c" {
		t.Errorf("Join(b, c) = %q, want %q", got, "a/b/c")
	}
}

func TestHasPrefix(t *testing.T) {
	root, _ := Parse("alice@id.bitdust.io:a")
	child, _ := Parse("alice@id.bitdust.io:a/b")
	sibling, _ := Parse("alice@id.bitdust.io:ab")
	if !child.HasPrefix(root) {
		t.Errorf("expected %v to have prefix %v", child, root)
	}
	if sibling.HasPrefix(root) {
		t.Errorf("did not expect %v to have prefix %v", sibling, root)
	}
}

func TestCompareOrdersByPath(t *testing.T) {
	a, _ := Parse("alice@id.bitdust.io:a")
	b, _ := Parse("alice@id.bitdust.io:b")
	if a.Compare(b) >= 0 {
		t.Errorf("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Errorf("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Errorf("expected a == a")
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"alice@id.bitdust.io:docs/report.txt", "alice@id.bitdust.io:docs/report.txt"},
		{"alice@id.bitdust.io", "alice@id.bitdust.io"},
		{"shared$alice@id.bitdust.io:docs", "shared$alice@id.bitdust.io:docs"},
	}
	for _, c := range cases {
		p, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got := p.String(); got != c.want {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}
