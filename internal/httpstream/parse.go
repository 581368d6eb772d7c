package httpstream

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrIncomplete means the buffer holds the beginning of a message but not
	// all of it. It is not a failure: parse again once more bytes arrived.
	ErrIncomplete = errors.New("httpstream: incomplete message")

	// ErrMalformed means the buffer can never become a valid message no matter
	// how many bytes follow. Every *ParseError wraps it.
	ErrMalformed = errors.New("httpstream: malformed message")
)

// ParseError describes a protocol violation found while parsing.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return "httpstream: " + e.Reason
	}
	return fmt.Sprintf("httpstream: %s: %q", e.Reason, truncate(e.Line, 80))
}

func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

func malformed(reason, line string) error {
	return &ParseError{Reason: reason, Line: line}
}

const (
	// maxLineBytes bounds a single start, header or chunk-size line. A buffer
	// holding more than this without a line break is not HTTP.
	maxLineBytes = 64 << 10

	// maxLeadingEmptyLines is how many stray CRLFs before a start line are
	// tolerated (left behind by clients that append CRLF after a body).
	maxLeadingEmptyLines = 4
)

var (
	crlf = []byte("\r\n")

	requestLine  = regexp.MustCompile(`^([A-Z]+) (\S+) HTTP/([0-9.]+)$`)
	responseLine = regexp.MustCompile(`^HTTP/([0-9.]+) ([0-9]{3})(?: ([^\r\n]*))?$`)
)

// ParseRequest attempts to decode exactly one request from the start of data.
// It returns ErrIncomplete when more bytes are needed and an error wrapping
// ErrMalformed when data cannot be a request. data is never modified or
// retained; the returned request owns copies of everything it references.
func ParseRequest(data []byte) (*Request, error) {
	req := &Request{}
	startLine := func(line string) error {
		m := requestLine.FindStringSubmatch(line)
		if m == nil {
			return malformed("invalid request line", line)
		}
		req.Method, req.Path, req.Version = m[1], m[2], m[3]
		return nil
	}
	if err := parseMessage(data, startLine, func() bool { return false }, &req.Message); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse attempts to decode exactly one response from the start of
// data. requestMethod is the method of the request being answered, or "" when
// unknown; responses to HEAD never carry a body.
func ParseResponse(data []byte, requestMethod string) (*Response, error) {
	resp := &Response{}
	startLine := func(line string) error {
		m := responseLine.FindStringSubmatch(line)
		if m == nil {
			return malformed("invalid status line", line)
		}
		resp.Version = m[1]
		resp.Status, _ = strconv.Atoi(m[2])
		resp.Reason = m[3]
		return nil
	}
	bodyless := func() bool {
		return requestMethod == "HEAD" ||
			(resp.Status >= 100 && resp.Status < 200) ||
			resp.Status == 204 || resp.Status == 304
	}
	if err := parseMessage(data, startLine, bodyless, &resp.Message); err != nil {
		return nil, err
	}
	return resp, nil
}

// parseMessage is the framing shared by requests and responses. Only the
// start line grammar differs, and it is passed in.
func parseMessage(data []byte, startLine func(string) error, bodyless func() bool, m *Message) error {
	pos := 0
	for i := 0; i < maxLeadingEmptyLines && bytes.HasPrefix(data[pos:], crlf); i++ {
		pos += len(crlf)
	}

	if err := checkStart(data[pos:]); err != nil {
		return err
	}

	line, next, err := readLine(data, pos)
	if err != nil {
		return err
	}
	if err := startLine(line); err != nil {
		return err
	}

	m.Header = make(Header)
	pos, err = parseFields(data, next, m.Header)
	if err != nil {
		return err
	}

	if bodyless() {
		m.Leftover = tail(data, pos)
		return nil
	}

	if values := m.Header.Values("Content-Length"); len(values) > 0 {
		n, err := contentLength(strings.Join(values, ","))
		if err != nil {
			return err
		}
		if len(data)-pos < n {
			return ErrIncomplete
		}
		m.Body = make([]byte, n)
		copy(m.Body, data[pos:pos+n])
		m.Leftover = tail(data, pos+n)
		return nil
	}

	if isChunked(m.Header) {
		body, trailer, end, err := parseChunked(data, pos)
		if err != nil {
			return err
		}
		m.Body, m.Trailer = body, trailer
		m.Leftover = tail(data, end)
		return nil
	}

	// No declared body: the message ends at the blank line.
	m.Leftover = tail(data, pos)
	return nil
}

// checkStart rejects bytes that cannot begin a start line without waiting
// for the line to end. Both request methods and "HTTP/" start with an
// uppercase letter.
func checkStart(b []byte) error {
	if len(b) == 0 || (len(b) == 1 && b[0] == '\r') {
		return nil
	}
	if IsTLSClientHello(b) {
		return &TLSError{ServerName: ServerName(b)}
	}
	if c := b[0]; c < 'A' || c > 'Z' {
		return malformed("invalid start line", string(b[:min(len(b), 16)]))
	}
	return nil
}

// readLine returns the line starting at pos without its CRLF, and the
// position just past the CRLF.
func readLine(data []byte, pos int) (string, int, error) {
	end := bytes.Index(data[pos:], crlf)
	if end < 0 {
		if len(data)-pos > maxLineBytes {
			return "", 0, malformed("line too long", string(data[pos:pos+80]))
		}
		return "", 0, ErrIncomplete
	}
	if end > maxLineBytes {
		return "", 0, malformed("line too long", string(data[pos:pos+80]))
	}
	return string(data[pos : pos+end]), pos + end + len(crlf), nil
}

// parseFields reads header (or trailer) lines into h up to and including the
// empty line that ends the block, returning the position after it.
func parseFields(data []byte, pos int, h Header) (int, error) {
	var last string
	for {
		line, next, err := readLine(data, pos)
		if err != nil {
			return 0, err
		}
		pos = next
		if line == "" {
			return pos, nil
		}

		// Obsolete line folding continues the previous value.
		if line[0] == ' ' || line[0] == '\t' {
			if last == "" {
				return 0, malformed("continuation before first header", line)
			}
			values := h[last]
			values[len(values)-1] += " " + strings.Trim(line, " \t")
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return 0, malformed("invalid header line", line)
		}
		h.Add(name, strings.Trim(value, " \t"))
		last = name
	}
}

func contentLength(v string) (int, error) {
	// A list of identical values is tolerated, as in "5, 5" or the same
	// header repeated on separate lines.
	var n = -1
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		u, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return 0, malformed("invalid Content-Length", v)
		}
		if n >= 0 && int(u) != n {
			return 0, malformed("conflicting Content-Length", v)
		}
		n = int(u)
	}
	return n, nil
}

func isChunked(h Header) bool {
	values := h.Values("Transfer-Encoding")
	if len(values) == 0 {
		return false
	}
	codings := strings.Split(values[len(values)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

// parseChunked decodes a chunked body starting at pos. It is not resumable:
// on ErrIncomplete everything decoded so far is thrown away and the caller
// starts over once more data is available.
func parseChunked(data []byte, pos int) (body []byte, trailer Header, end int, err error) {
	body = []byte{}
	for {
		line, next, err := readLine(data, pos)
		if err != nil {
			return nil, nil, 0, err
		}
		sizeField := line
		if i := strings.IndexByte(sizeField, ';'); i >= 0 {
			sizeField = sizeField[:i]
		}
		size, perr := strconv.ParseUint(strings.TrimSpace(sizeField), 16, 31)
		if perr != nil {
			return nil, nil, 0, malformed("invalid chunk size", line)
		}
		pos = next

		if size == 0 {
			trailer = make(Header)
			end, err = parseFields(data, pos, trailer)
			if err != nil {
				return nil, nil, 0, err
			}
			if len(trailer) == 0 {
				trailer = nil
			}
			return body, trailer, end, nil
		}

		n := int(size)
		if len(data)-pos < n+len(crlf) {
			return nil, nil, 0, ErrIncomplete
		}
		if !bytes.Equal(data[pos+n:pos+n+len(crlf)], crlf) {
			return nil, nil, 0, malformed("chunk not terminated by CRLF", line)
		}
		body = append(body, data[pos:pos+n]...)
		pos += n + len(crlf)
	}
}

// tail returns a copy of data[pos:], or nil when nothing is left.
func tail(data []byte, pos int) []byte {
	if pos >= len(data) {
		return nil
	}
	return append([]byte(nil), data[pos:]...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
