// Package exchange holds the request/response model shared by the HTTP/1.1
// and HTTP/2 pipelines and the dispatcher that runs pre-dispatch filters
// and application handlers.
package exchange

import (
	"strconv"
	"strings"
)

// Field is one header line. Names are stored lowercase.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered header collection with lowercase names.
type Headers struct {
	fields []Field
}

// NewHeaders returns headers preallocated for n fields.
func NewHeaders(n int) Headers {
	return Headers{fields: make([]Field, 0, n)}
}

func lower(name string) string {
	for i := 0; i < len(name); i++ {
		if c := name[i]; 'A' <= c && c <= 'Z' {
			return strings.ToLower(name)
		}
	}
	return name
}

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	name = lower(name)
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	name = lower(name)
	for _, f := range h.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Values returns every value for name in order.
func (h *Headers) Values(name string) []string {
	name = lower(name)
	var out []string
	for _, f := range h.fields {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces the first occurrence of name in place and drops any later
// duplicates. A missing name is appended.
func (h *Headers) Set(name, value string) {
	name = lower(name)
	found := false
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Name == name {
			if found {
				continue
			}
			found = true
			f.Value = value
		}
		kept = append(kept, f)
	}
	h.fields = kept
	if !found {
		h.fields = append(h.fields, Field{Name: name, Value: value})
	}
}

// SetInt is Set with a decimal value.
func (h *Headers) SetInt(name string, v int64) {
	h.Set(name, strconv.FormatInt(v, 10))
}

// Add appends a field without touching existing ones.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: lower(name), Value: value})
}

// Del removes every occurrence of name.
func (h *Headers) Del(name string) {
	name = lower(name)
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Name != name {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Len returns the number of fields.
func (h *Headers) Len() int { return len(h.fields) }

// Fields returns the fields in order. The slice must not be modified.
func (h *Headers) Fields() []Field { return h.fields }

// Clone returns an independent copy.
func (h *Headers) Clone() Headers {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return Headers{fields: out}
}

// Reset removes all fields and keeps the capacity.
func (h *Headers) Reset() { h.fields = h.fields[:0] }

// Head is a response status and its header block.
type Head struct {
	Status int
	Header Headers
}

// ContentLength returns the parsed content-length, or -1 when absent or
// malformed.
func (h *Head) ContentLength() int64 {
	v := h.Header.Get("content-length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ParseCookies splits a Cookie header value into name/value pairs.
func ParseCookies(header string) map[string]string {
	if header == "" {
		return nil
	}
	cookies := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		cookies[name] = strings.Trim(value, `"`)
	}
	return cookies
}
