// Package httpstream reconstructs HTTP/1.x messages from the raw bytes a
// relay forwards, without ever holding up the forwarding itself.
package httpstream

import "strings"

// Direction indicates the data flow direction.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "C2S"
	}
	return "S2C"
}

// Header maps a header name, as written on the wire, to every value seen
// for it in order. Repeated header lines append rather than overwrite.
type Header map[string][]string

// Add appends value to the values stored under name.
func (h Header) Add(name, value string) {
	h[name] = append(h[name], value)
}

// Get returns the first value of the first header matching name
// case-insensitively, or "".
func (h Header) Get(name string) string {
	if v := h.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value of the headers matching name case-insensitively.
// An exact-case match comes first.
func (h Header) Values(name string) []string {
	exact := h[name]
	var rest []string
	for k, v := range h {
		if k != name && strings.EqualFold(k, name) {
			rest = append(rest, v...)
		}
	}
	if rest == nil {
		return exact
	}
	return append(append([]string(nil), exact...), rest...)
}

// Has reports whether any header matches name case-insensitively.
func (h Header) Has(name string) bool {
	return len(h.Values(name)) > 0
}

// Message holds what requests and responses have in common.
//
// Body is nil when the message carries no body, and non-nil (possibly empty)
// when one was framed. Leftover holds the bytes that followed the message in
// the parsed buffer; it is never examined again by the message itself.
type Message struct {
	Version  string
	Header   Header
	Body     []byte
	Trailer  Header
	Leftover []byte
}

// HasBody reports whether a body was framed for the message.
func (m *Message) HasBody() bool {
	return m.Body != nil
}

// Request is a decoded HTTP request.
type Request struct {
	Method string
	Path   string
	Message
}

// Response is a decoded HTTP response.
type Response struct {
	Status int
	Reason string
	Message
}

// Informational reports whether the response is an interim 1xx response
// that is followed by the final response to the same request. A 101 is not
// informational in this sense: it is the last HTTP response on the connection.
func (r *Response) Informational() bool {
	return r.Status >= 100 && r.Status < 200 && r.Status != 101
}

// SwitchesProtocols reports whether the connection stops speaking HTTP
// after this response.
func (r *Response) SwitchesProtocols() bool {
	return r.Status == 101
}
