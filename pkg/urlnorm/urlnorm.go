/*
 * Copyright 2024 National Library of Norway.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *       http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package urlnorm canonicalizes URLs captured from browser telemetry into a
// stable, comparable form. Browsers treat path, params and query loosely, so
// each component keeps its own safe character set when re-encoded.
package urlnorm

import (
	"errors"
	"strings"

	"github.com/nlnwa/whatwg-url/url"
	"golang.org/x/net/idna"
)

// ErrNotWebURL is returned for input that has no canonical form: anything
// that is not an http(s) URL with a non-empty authority.
var ErrNotWebURL = errors.New("not a web url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Safe sets mirror what browsers leave untouched in each URL component.
const (
	pathSafe     = "!@$%&*()-_+=/[]:',.~"
	paramsSafe   = "!@$%&*()-_=+/[]:',.~"
	querySafe    = "!@$%^&*()-_=+/?[]{}\\|;:,.~`"
	fragmentSafe = querySafe
)

// Canonicalize normalizes an arbitrary URL string. The rules are applied in
// order: repair backslash path separators, decode the HTML entity for '&',
// strip an explicit default port, percent-decode and punycode-encode the
// authority label by label, percent-encode path/params/query/fragment with
// their own safe sets, and resolve literal /./ and /../ path segments.
// Non-http(s) or authority-less input yields ErrNotWebURL.
func Canonicalize(raw string) (string, error) {
	// Some URLs mistakenly type '/' as '\'.
	raw = strings.ReplaceAll(raw, `\`, "/")
	raw = strings.ReplaceAll(raw, "&amp;", "&")

	// Label the presence of fragment, query and params up front so that a
	// bare trailing '?' or '#' survives canonicalization.
	temp := raw
	hasFragment := false
	if i := strings.IndexByte(temp, '#'); i >= 0 {
		hasFragment = true
		temp = temp[:i]
	}
	hasQuery := false
	if i := strings.IndexByte(temp, '?'); i >= 0 {
		hasQuery = true
		temp = temp[:i]
	}
	hasParams := strings.ContainsRune(temp, ';')

	scheme, netloc, path, params, query, fragment := split(raw)

	if (scheme != "http" && scheme != "https") || netloc == "" {
		return "", ErrNotWebURL
	}

	// Strip an explicitly given default port.
	if i := strings.IndexByte(netloc, ':'); i >= 0 {
		if netloc[i+1:] == defaultPorts[scheme] {
			netloc = netloc[:i]
		}
	}

	netloc = unquote(netloc)
	labels := strings.Split(netloc, ".")
	for i, label := range labels {
		if isASCIILabel(label) {
			continue
		}
		if encoded, err := idna.Punycode.ToASCII(label); err == nil {
			labels[i] = encoded
		}
	}
	netloc = strings.Join(labels, ".")

	canonical := scheme + "://" + netloc
	if path == "" {
		canonical += "/"
	} else {
		quoted := quote(path, pathSafe)
		switch {
		case strings.Contains(path, "/./"):
			canonical += strings.ReplaceAll(quoted, "./", "")
		case strings.Contains(quoted, "/../"):
			parts := strings.Split(quoted, "..")
			canonical += parts[0]
			for _, sub := range parts[1:] {
				if resolved, err := url.ParseRef(canonical, ".."+sub); err == nil {
					canonical = resolved.String()
				}
			}
		default:
			canonical += quoted
		}
	}
	if hasParams {
		canonical += ";" + quote(params, paramsSafe)
	}
	if hasQuery {
		canonical += "?" + quote(query, querySafe)
	}
	if hasFragment {
		canonical += "#" + quote(fragment, fragmentSafe)
	}

	return canonical, nil
}

// Equal reports whether two canonical URLs name the same resource. Percent
// encoding and letter case are ignored; no further canonicalization happens.
func Equal(a, b string) bool {
	return strings.ToLower(unquote(a)) == strings.ToLower(unquote(b))
}

// split breaks a URL into scheme, authority, path, params, query and
// fragment. The params segment is the part of the last path segment after a
// ';', matching how browsers group it with the path.
func split(raw string) (scheme, netloc, path, params, query, fragment string) {
	rest := raw
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i > 0 && isScheme(rest[:i]) {
		scheme = strings.ToLower(rest[:i])
		rest = rest[i+1:]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			netloc = rest[:i]
			rest = rest[i:]
		} else {
			netloc = rest
			rest = ""
		}
	}
	path = rest
	start := strings.LastIndexByte(path, '/')
	if start < 0 {
		start = 0
	}
	if i := strings.IndexByte(path[start:], ';'); i >= 0 {
		params = path[start+i+1:]
		path = path[:start+i]
	}
	return
}

func isScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return len(s) > 0
}

// isASCIILabel reports whether every code point fits the hostname alphabet.
// Anything above 'z' needs the punycode transform.
func isASCIILabel(label string) bool {
	for _, r := range label {
		if r > 'z' {
			return false
		}
	}
	return true
}

const upperhex = "0123456789ABCDEF"

// quote percent-encodes every byte outside ASCII alphanumerics, '_', '.',
// '-', '~' and the given safe set. Multibyte runes are encoded per byte.
func quote(s, safe string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlwaysSafe(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func isAlwaysSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '_', c == '.', c == '-', c == '~':
		return true
	}
	return false
}

// unquote decodes %XX sequences, leaving malformed escapes untouched.
func unquote(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
