// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package path parses and manipulates Global IDs and the catalog-relative
// paths they carry (§2 Global ID, §4.5 Catalog). A Global ID has the wire
// form "key_alias$user@host:path"; the path after the colon addresses a
// node in one customer's Catalog tree the way a Unix path addresses a
// file, and is what Catalog.to_id/to_path walk.
package path

import (
	"strings"

	gopath "path"

	"bitdust.io/bitdust/bitdust"
	"bitdust.io/bitdust/errors"
)

// Parsed represents a successfully parsed Global ID. The path is always
// held in clean, canonical form; every accessor is computed from it.
type Parsed struct {
	global bitdust.GlobalID
}

// GlobalID returns the parsed value's underlying bitdust.GlobalID.
func (p Parsed) GlobalID() bitdust.GlobalID {
	return p.global
}

// String returns the canonical "key_alias$user@host:path" form. The path
// is omitted, along with its colon, when it is empty (the customer's
// catalog root).
func (p Parsed) String() string {
	b := new(strings.Builder)
	if p.global.Alias != "" && p.global.Alias != bitdust.MasterKey {
		b.WriteString(string(p.global.Alias))
		b.WriteByte('$')
	}
	b.WriteString(p.global.User)
	b.WriteByte('@')
	b.WriteString(p.global.Host)
	if p.global.Path != "" {
		b.WriteByte(':')
		b.WriteString(p.global.Path)
	}
	return b.String()
}

// Parse parses a Global ID of the form "key_alias$user@host:path" or,
// with the alias defaulting to bitdust.MasterKey, "user@host:path". The
// path may be omitted entirely to name the customer's catalog root.
func Parse(s string) (Parsed, error) {
	const op = "path.Parse"
	alias := bitdust.MasterKey
	rest := s
	if i := strings.IndexByte(s, '$'); i >= 0 {
		alias = bitdust.KeyAlias(s[:i])
		rest = s[i+1:]
		if alias == "" {
			return Parsed{}, errors.E(op, errors.Invalid, errors.Str("empty key alias"))
		}
	}
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return Parsed{}, errors.E(op, errors.Invalid, errors.Errorf("missing '@' in %q", s))
	}
	user := rest[:at]
	if user == "" {
		return Parsed{}, errors.E(op, errors.Invalid, errors.Errorf("empty user in %q", s))
	}
	hostAndPath := rest[at+1:]
	host := hostAndPath
	catalogPath := ""
	if colon := strings.IndexByte(hostAndPath, ':'); colon >= 0 {
		host = hostAndPath[:colon]
		catalogPath = hostAndPath[colon+1:]
	}
	if host == "" {
		return Parsed{}, errors.E(op, errors.Invalid, errors.Errorf("empty host in %q", s))
	}
	return Parsed{global: bitdust.GlobalID{
		Alias: alias,
		User:  user,
		Host:  host,
		Path:  Clean(catalogPath),
	}}, nil
}

// FilePath returns the catalog-relative path, without the identity
// prefix: the same string that Catalog.to_path returns for a path_id.
func (p Parsed) FilePath() string {
	return p.global.Path
}

// IsRoot reports whether p names the customer's catalog root.
func (p Parsed) IsRoot() bool {
	return p.global.Path == ""
}

// NElem returns the number of path elements.
func (p Parsed) NElem() int {
	if p.global.Path == "" {
		return 0
	}
	return strings.Count(p.global.Path, "/") + 1
}

// Elem returns the nth path element, counting from zero. It panics if n
// is out of range.
func (p Parsed) Elem(n int) string {
	str := p.global.Path
	for i := 0; i < n; i++ {
		slash := strings.IndexByte(str, '/')
		if slash < 0 {
			panic("path: Elem out of range")
		}
		str = str[slash+1:]
	}
	if slash := strings.IndexByte(str, '/'); slash >= 0 {
		return str[:slash]
	}
	if str == "" {
		panic("path: Elem out of range")
	}
	return str
}

// First returns a Parsed with only the first n path elements.
func (p Parsed) First(n int) Parsed {
	p.global.Path = FirstPath(p.global.Path, n)
	return p
}

// Drop returns a Parsed with the last n path elements removed.
func (p Parsed) Drop(n int) Parsed {
	p.global.Path = DropPath(p.global.Path, n)
	return p
}

// Join returns a Parsed naming a descendant of p, joining elems onto its
// path the way Join does.
func (p Parsed) Join(elems ...string) Parsed {
	p.global.Path = Join(p.global.Path, elems...)
	return p
}

// Equal reports whether p and q name the same Global ID.
func (p Parsed) Equal(q Parsed) bool {
	return p.global == q.global
}

// Compare orders two Parsed values first by host, then user, then alias,
// then elementwise by path, so a Catalog can keep a deterministic replica
// merge order.
func (p Parsed) Compare(q Parsed) int {
	switch {
	case p.global.Host != q.global.Host:
		return strings.Compare(p.global.Host, q.global.Host)
	case p.global.User != q.global.User:
		return strings.Compare(p.global.User, q.global.User)
	case p.global.Alias != q.global.Alias:
		return strings.Compare(string(p.global.Alias), string(q.global.Alias))
	}
	for i := 0; i < p.NElem(); i++ {
		if i >= q.NElem() {
			return 1
		}
		if c := strings.Compare(p.Elem(i), q.Elem(i)); c != 0 {
			return c
		}
	}
	if p.NElem() < q.NElem() {
		return -1
	}
	return 0
}

// HasPrefix reports whether p is root or a descendant of root.
func (p Parsed) HasPrefix(root Parsed) bool {
	if p.global.User != root.global.User || p.global.Host != root.global.Host {
		return false
	}
	if root.IsRoot() {
		return true
	}
	pPath, rootPath := p.global.Path, root.global.Path
	if !strings.HasPrefix(pPath, rootPath) {
		return false
	}
	return len(pPath) == len(rootPath) || pPath[len(rootPath)] == '/'
}

// Join appends path elements onto a (possibly empty) catalog path, adding
// separating slashes as needed. Empty elements are ignored. The result is
// passed through Clean.
func Join(path string, elems ...string) string {
	joined := ""
	for i, e := range elems {
		if e != "" {
			joined = strings.Join(elems[i:], "/")
			break
		}
	}
	switch {
	case path == "":
		// joined may itself be empty; nothing to do either way.
	case joined == "":
		joined = path
	default:
		joined = path + "/" + joined
	}
	return Clean(joined)
}

// Clean applies Go's path.Clean to a catalog-relative path, preserving
// the convention that the root is the empty string rather than ".".
func Clean(path string) string {
	if path == "" {
		return ""
	}
	cleaned := gopath.Clean(path)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// DropPath returns path with its last n elements removed.
func DropPath(path string, n int) string {
	str := Clean(path)
	for ; n > 0 && str != ""; n-- {
		if i := strings.LastIndexByte(str, '/'); i >= 0 {
			str = str[:i]
		} else {
			str = ""
		}
	}
	return str
}

// FirstPath returns path with only its first n elements.
func FirstPath(path string, n int) string {
	str := Clean(path)
	if str == "" {
		return ""
	}
	slash := -1
	for i := 0; i < n; i++ {
		next := strings.IndexByte(str[slash+1:], '/')
		if next < 0 {
			return str
		}
		slash += 1 + next
	}
	if slash < 0 {
		return ""
	}
	return str[:slash]
}
