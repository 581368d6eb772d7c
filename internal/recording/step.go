// Package recording holds the ordered list of steps observed by the proxy
// and writes it out in the JSON form consumed by replay tools.
package recording

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/burpheart/proxycord/internal/httpstream"
)

// DefaultMarkLabel names a mark created without a label.
const DefaultMarkLabel = "unnamed"

// Step is one entry of a recording: an Exchange or a Mark.
type Step interface {
	json.Marshaler
	fmt.Stringer

	// ObservedAt is when the step was completed.
	ObservedAt() time.Time
}

// Mark is a user-inserted marker.
type Mark struct {
	Label string
	At    time.Time
}

// NewMark returns a mark observed now. An empty label becomes DefaultMarkLabel.
func NewMark(label string) *Mark {
	if label == "" {
		label = DefaultMarkLabel
	}
	return &Mark{Label: label, At: time.Now()}
}

func (m *Mark) ObservedAt() time.Time { return m.At }

func (m *Mark) String() string {
	return "Mark: " + m.Label
}

// Exchange is a request correlated with the response that answered it.
type Exchange struct {
	Pair     string
	Request  *httpstream.Request
	Response *httpstream.Response
	At       time.Time
}

// NewExchange returns an exchange observed now.
func NewExchange(pair string, req *httpstream.Request, resp *httpstream.Response) *Exchange {
	return &Exchange{Pair: pair, Request: req, Response: resp, At: time.Now()}
}

func (e *Exchange) ObservedAt() time.Time { return e.At }

func (e *Exchange) String() string {
	return fmt.Sprintf("%s %s => status %d, %d bytes",
		e.Request.Method, e.Request.Path, e.Response.Status, len(e.Response.Body))
}
