// Package multipart builds upload request bodies in the exact
// browser-observed (not RFC 7578) encoding the upload path requires:
// a fixed boundary, CRLF line endings, and a name/filename escaping
// scheme that only handles quotes and newlines.
package multipart

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Boundary is the fixed multipart boundary string every request uses.
// Fixed rather than random because the wire format here mirrors one
// specific browser's observed behavior rather than RFC 7578, which
// mandates an unpredictable boundary.
const Boundary = "-----background_downloader-akjhfw281onqciyhnIk"

const crlf = "\r\n"

// File is one file part to attach to the body.
type File struct {
	FieldName string // the multipart field name for this file
	Filename  string
	MimeType  string
	Data      []byte
}

// BrowserEncode escapes s the way the target wire format expects:
// CR, LF, and CRLF become the literal three-byte sequence %0D%0A;
// a double quote becomes %22; everything else passes through
// unchanged. This is deliberately not RFC 2231/5987 encoding.
func BrowserEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString("%0D%0A")
		case '\n':
			b.WriteString("%0D%0A")
		case '"':
			b.WriteString("%22")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitFieldValues splits a value matching the pattern
// "v1","v2",...,"vn" into its component strings. A value that does not
// match this exact quoted-CSV shape is returned as a single-element
// slice unchanged.
func splitFieldValues(value string) []string {
	if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
		return []string{value}
	}
	inner := value[1 : len(value)-1]
	parts := strings.Split(inner, `","`)
	for _, p := range parts {
		if strings.ContainsAny(p, `"`) {
			return []string{value}
		}
	}
	return parts
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return (s[0] == '{' && strings.HasSuffix(s, "}")) || (s[0] == '[' && strings.HasSuffix(s, "]"))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// Build assembles the full multipart body for fields (in the iteration
// order given by fieldOrder, since Go map order is not stable and the
// wire format's part ordering should be deterministic) and files.
func Build(fieldOrder []string, fields map[string]string, files []File) []byte {
	var buf bytes.Buffer

	for _, name := range fieldOrder {
		value, ok := fields[name]
		if !ok {
			continue
		}
		for _, v := range splitFieldValues(value) {
			writeFieldPart(&buf, name, v)
		}
	}

	for _, f := range files {
		buf.WriteString("--" + Boundary + crlf)
		fmt.Fprintf(&buf, `Content-Disposition: form-data; name="%s"; filename="%s"`+crlf,
			BrowserEncode(f.FieldName), BrowserEncode(f.Filename))
		mime := f.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "Content-Type: %s"+crlf, mime)
		buf.WriteString(crlf)
		buf.Write(f.Data)
		buf.WriteString(crlf)
	}

	buf.WriteString("--" + Boundary + "--" + crlf)
	return buf.Bytes()
}

func writeFieldPart(buf *bytes.Buffer, name, value string) {
	buf.WriteString("--" + Boundary + crlf)
	fmt.Fprintf(buf, `Content-Disposition: form-data; name="%s"`+crlf, BrowserEncode(name))
	switch {
	case looksLikeJSON(value):
		buf.WriteString("Content-Type: application/json; charset=utf-8" + crlf)
	case !isASCII(value) || !utf8.ValidString(value):
		buf.WriteString("Content-Type: text/plain; charset=utf-8" + crlf)
		buf.WriteString("Content-Transfer-Encoding: binary" + crlf)
	}
	buf.WriteString(crlf)
	buf.WriteString(value)
	buf.WriteString(crlf)
}

// ContentType returns the Content-Type header value for a multipart
// body built with Build.
func ContentType() string {
	return "multipart/form-data; boundary=" + Boundary
}
