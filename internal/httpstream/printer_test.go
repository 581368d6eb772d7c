package httpstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/burpheart/proxycord/pkg/types"
)

func testExchange() (*Request, *Response) {
	req := &Request{Method: "POST", Path: "/api/items", Message: Message{
		Version: "1.1",
		Header:  Header{"Host": {"example.org"}, "Content-Type": {"application/json"}},
		Body:    []byte(`{"id":1}`),
	}}
	resp := &Response{Status: 404, Reason: "Not Found", Message: Message{
		Version: "1.1",
		Header:  Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:    []byte("missing\n"),
	}}
	return req, resp
}

func TestPrinterLevels(t *testing.T) {
	req, resp := testExchange()

	tests := []struct {
		level    types.LogLevel
		contains []string
		excludes []string
	}{
		{types.LogLevelNone, nil, []string{"POST"}},
		{types.LogLevelBasic, []string{"→ POST /api/items", "← 404 POST /api/items [text/plain] 8 bytes"}, []string{"Host:"}},
		{types.LogLevelHeaders, []string{"  Host: example.org", "  Content-Type: application/json"}, []string{`{"id":1}`}},
		{types.LogLevelBody, []string{`  {"id":1}`, `  missing\n`}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			p := NewPrinter(WithOutput(&buf), WithLevel(tt.level), WithColor(false))
			p.LogRequest("0123456789abcdef", req)
			p.LogResponse("0123456789abcdef", req, resp)

			out := buf.String()
			if tt.level == types.LogLevelNone {
				assert.Empty(t, out)
			}
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestPrinterShortensPairID(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(WithOutput(&buf), WithColor(false))
	p.LogFault("0123456789abcdef", ServerToClient, errors.New("boom"))

	assert.Contains(t, buf.String(), " 01234567 S2C boom")
	assert.NotContains(t, buf.String(), "89abcdef")
}

func TestPrinterBinaryBody(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(WithOutput(&buf), WithLevel(types.LogLevelBody), WithColor(false))
	p.LogRequest("id", &Request{Method: "PUT", Path: "/blob", Message: Message{Body: []byte{0, 1, 2, 3}}})

	assert.Contains(t, buf.String(), "<binary, 4 bytes>")
}
