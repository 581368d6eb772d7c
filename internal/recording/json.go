package recording

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/burpheart/proxycord/internal/httpstream"
)

// textMIMETypes lists the media types whose bodies are also written as text.
var textMIMETypes = map[string]bool{
	"text/css":                          true,
	"text/html":                         true,
	"text/csv":                          true,
	"text/plain":                        true,
	"application/javascript":            true,
	"application/json":                  true,
	"application/x-www-form-urlencoded": true,
	"application/xml":                   true,
	"application/sql":                   true,
	"application/graphql":               true,
	"application/ld+json":               true,
}

type markJSON struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type contentJSON struct {
	RawContentLength *int    `json:"rawcontentlength,omitempty"`
	RawContentBase64 *string `json:"rawcontentbase64,omitempty"`
	ContentAsText    *string `json:"contentastext,omitempty"`
}

type requestJSON struct {
	Verb    string              `json:"verb"`
	Path    string              `json:"path"`
	Version string              `json:"version"`
	Headers map[string][]string `json:"headers"`
	contentJSON
}

type responseJSON struct {
	Status  int                 `json:"status"`
	Version string              `json:"version"`
	Headers map[string][]string `json:"headers"`
	contentJSON
}

type exchangeJSON struct {
	Type     string       `json:"type"`
	Request  requestJSON  `json:"request"`
	Response responseJSON `json:"response"`
}

// MarshalJSON implements json.Marshaler.
func (m *Mark) MarshalJSON() ([]byte, error) {
	return marshal(markJSON{Type: "Mark", Name: m.Label})
}

// MarshalJSON implements json.Marshaler.
func (e *Exchange) MarshalJSON() ([]byte, error) {
	req, resp := e.Request, e.Response
	return marshal(exchangeJSON{
		Type: "HttpRequestResponse",
		Request: requestJSON{
			Verb:        req.Method,
			Path:        req.Path,
			Version:     req.Version,
			Headers:     headersJSON(req.Header),
			contentJSON: newContentJSON(&req.Message),
		},
		Response: responseJSON{
			Status:      resp.Status,
			Version:     resp.Version,
			Headers:     headersJSON(resp.Header),
			contentJSON: newContentJSON(&resp.Message),
		},
	})
}

func headersJSON(h httpstream.Header) map[string][]string {
	if h == nil {
		return map[string][]string{}
	}
	return h
}

func newContentJSON(m *httpstream.Message) contentJSON {
	if !m.HasBody() {
		return contentJSON{}
	}
	n := len(m.Body)
	raw := base64.StdEncoding.EncodeToString(m.Body)
	c := contentJSON{RawContentLength: &n, RawContentBase64: &raw}
	if text, ok := ContentAsText(m.Body, m.Header); ok {
		c.ContentAsText = &text
	}
	return c
}

// ContentAsText returns body as text when its Content-Type names a text-like
// media type with a charset parameter. Content codings are removed first.
func ContentAsText(body []byte, h httpstream.Header) (string, bool) {
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil || !textMIMETypes[mediaType] {
		return "", false
	}
	label := strings.TrimSpace(params["charset"])
	if label == "" {
		return "", false
	}
	enc, _ := charset.Lookup(label)
	if enc == nil {
		return "", false
	}

	decoded, err := httpstream.DecodeBody(body, h)
	if err != nil {
		return "", false
	}
	text, err := enc.NewDecoder().Bytes(decoded)
	if err != nil {
		return "", false
	}
	return string(text), true
}

// marshal encodes v without HTML escaping so recorded markup stays readable.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type recordingJSON struct {
	Steps []Step `json:"steps"`
}

// WriteSteps writes steps as an indented recording document.
func WriteSteps(w io.Writer, steps []Step) error {
	if steps == nil {
		steps = []Step{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(recordingJSON{Steps: steps})
}
