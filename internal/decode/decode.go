// Package decode turns response bytes into UTF-8 text without knowing their
// encoding in advance. Resolution is an ordered fallback: the charset
// declared in the Content-Type header, then every charset announced by an
// embedded meta tag, then a lossy replacement decode that cannot fail.
package decode

import (
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// charsetRe matches HTML-style meta charset declarations. Matching is purely
// textual against the raw bytes: it does not care whether the match sits in
// a real <head> element, so content that merely resembles a declaration can
// match too.
var charsetRe = regexp.MustCompile(`(?i)<meta.*?charset=["']*(.+?)["'>]`)

const replacement = "�"

// Resolver runs the decode algorithm for one response. Tried accumulates
// the encodings that were attempted and failed, in order, without
// duplicates; the encoding that ultimately succeeds is never listed.
type Resolver struct {
	Tried []string
}

// EncodingFromContentType returns the charset parameter of a Content-Type
// header value, stripped of surrounding quotes. A missing, empty or
// malformed header yields "".
func EncodingFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.Trim(params["charset"], `'"`)
}

// EncodingsFromContent returns every meta-tag charset candidate in body, in
// order of first appearance. Duplicates are kept; callers deduplicate
// against their attempt log.
func EncodingsFromContent(body []byte) []string {
	var names []string
	for _, m := range charsetRe.FindAllSubmatch(body, -1) {
		names = append(names, string(m[1]))
	}
	return names
}

// Decode resolves the encoding of body and returns UTF-8 text. contentType
// may be empty. Decode is total: when every candidate fails, the last one
// considered is reused with invalid sequences replaced by U+FFFD. When
// nothing was ever considered the fallback decodes as UTF-8.
func (r *Resolver) Decode(body []byte, contentType string) string {
	last := ""

	if name := EncodingFromContentType(contentType); name != "" {
		last = name
		if text, ok := decodeStrict(body, name); ok {
			return text
		}
		r.record(name)
	}

	for _, name := range EncodingsFromContent(body) {
		if r.tried(name) {
			continue
		}
		last = name
		if text, ok := decodeStrict(body, name); ok {
			return text
		}
		r.record(name)
	}

	return decodeReplace(body, last)
}

func (r *Resolver) record(name string) {
	if !r.tried(name) {
		r.Tried = append(r.Tried, name)
	}
}

func (r *Resolver) tried(name string) bool {
	for _, t := range r.Tried {
		if t == name {
			return true
		}
	}
	return false
}

// decodeStrict decodes body with the named encoding and reports failure on
// any byte sequence invalid for it. ASCII is validated directly: the WHATWG
// label table aliases it to windows-1252, which accepts every byte and
// would mask a wrong declaration.
func decodeStrict(body []byte, name string) (string, bool) {
	switch normalize(name) {
	case "ascii", "us-ascii", "ansi_x3.4-1968":
		for _, b := range body {
			if b >= utf8.RuneSelf {
				return "", false
			}
		}
		return string(body), true
	}

	enc, canonical := charset.Lookup(name)
	if enc == nil {
		return "", false
	}
	if canonical == "utf-8" {
		if !utf8.Valid(body) {
			return "", false
		}
		return string(body), true
	}

	text, _, err := transform.String(enc.NewDecoder(), string(body))
	if err != nil {
		return "", false
	}
	// x/text decoders substitute U+FFFD for invalid input instead of
	// returning an error, so its presence marks a failed decode.
	if strings.Contains(text, replacement) {
		return "", false
	}
	return text, true
}

// decodeReplace is the terminal fallback: a lossy decode in which invalid
// sequences become U+FFFD.
func decodeReplace(body []byte, name string) string {
	switch normalize(name) {
	case "", "utf-8", "utf8":
		return strings.ToValidUTF8(string(body), replacement)
	case "ascii", "us-ascii", "ansi_x3.4-1968":
		var sb strings.Builder
		sb.Grow(len(body))
		for _, b := range body {
			if b >= utf8.RuneSelf {
				sb.WriteString(replacement)
			} else {
				sb.WriteByte(b)
			}
		}
		return sb.String()
	}

	enc, canonical := charset.Lookup(name)
	if enc == nil || canonical == "utf-8" {
		return strings.ToValidUTF8(string(body), replacement)
	}
	text, _, err := transform.String(enc.NewDecoder(), string(body))
	if err != nil {
		return strings.ToValidUTF8(string(body), replacement)
	}
	return text
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
