package httpstream

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/burpheart/proxycord/pkg/types"
)

// Printer writes a live, human-readable view of decoded traffic. It is safe
// for concurrent use by every pair of a listener. A nil *Printer prints
// nothing.
type Printer struct {
	mu       sync.Mutex
	output   io.Writer
	level    types.LogLevel
	colorize bool

	gray, green, red, yellow, purple, cyan *color.Color
}

// PrinterOption configures a Printer.
type PrinterOption func(*Printer)

// WithOutput sets the output writer.
func WithOutput(w io.Writer) PrinterOption {
	return func(p *Printer) { p.output = w }
}

// WithLevel sets the traffic log level.
func WithLevel(level types.LogLevel) PrinterOption {
	return func(p *Printer) { p.level = level }
}

// WithColor enables/disables colorized output.
func WithColor(colorize bool) PrinterOption {
	return func(p *Printer) { p.colorize = colorize }
}

// NewPrinter creates a Printer writing basic lines to stdout.
func NewPrinter(opts ...PrinterOption) *Printer {
	p := &Printer{
		output:   os.Stdout,
		level:    types.LogLevelBasic,
		colorize: true,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.gray = color.New(color.FgHiBlack)
	p.green = color.New(color.FgGreen)
	p.red = color.New(color.FgRed)
	p.yellow = color.New(color.FgYellow)
	p.purple = color.New(color.FgMagenta)
	p.cyan = color.New(color.FgCyan)
	if !p.colorize {
		for _, c := range []*color.Color{p.gray, p.green, p.red, p.yellow, p.purple, p.cyan} {
			c.DisableColor()
		}
	}
	return p
}

// Level returns the configured level.
func (p *Printer) Level() types.LogLevel {
	if p == nil {
		return types.LogLevelNone
	}
	return p.level
}

func (p *Printer) timestamp() string {
	return p.gray.Sprint(time.Now().Format("15:04:05.000"))
}

// LogRequest prints a request as it is queued for correlation.
func (p *Printer) LogRequest(pair string, req *Request) {
	if p == nil || p.level < types.LogLevelBasic || req == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.output, "%s %s %s %s %s\n",
		p.timestamp(),
		p.gray.Sprint(shortID(pair)),
		p.green.Sprint("→"),
		p.cyan.Sprint(req.Method),
		req.Path,
	)
	p.writeHeaders(req.Header)
	p.writeBody(req.Body)
}

// LogResponse prints a response next to the request it answers.
func (p *Printer) LogResponse(pair string, req *Request, resp *Response) {
	if p == nil || p.level < types.LogLevelBasic || resp == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	statusColor := p.green
	if resp.Status >= 400 {
		statusColor = p.red
	} else if resp.Status >= 300 {
		statusColor = p.yellow
	}

	contentType := resp.Header.Get("Content-Type")
	if idx := strings.Index(contentType, ";"); idx > 0 {
		contentType = contentType[:idx]
	}

	target := ""
	if req != nil {
		target = req.Method + " " + req.Path
	}

	fmt.Fprintf(p.output, "%s %s %s %s %s [%s] %d bytes\n",
		p.timestamp(),
		p.gray.Sprint(shortID(pair)),
		p.purple.Sprint("←"),
		statusColor.Sprintf("%d", resp.Status),
		target,
		contentType,
		len(resp.Body),
	)
	p.writeHeaders(resp.Header)
	p.writeBody(resp.Body)
}

// LogFault prints why a direction of a pair stopped being decoded.
func (p *Printer) LogFault(pair string, dir Direction, err error) {
	if p == nil || p.level < types.LogLevelBasic {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.output, "%s %s %s %s\n",
		p.timestamp(),
		p.gray.Sprint(shortID(pair)),
		p.red.Sprint(dir.String()),
		p.red.Sprint(err),
	)
}

func (p *Printer) writeHeaders(h Header) {
	if p.level < types.LogLevelHeaders {
		return
	}
	for _, name := range slices.Sorted(maps.Keys(h)) {
		fmt.Fprintf(p.output, "  %s: %s\n",
			p.yellow.Sprint(name),
			strings.Join(h[name], ", "),
		)
	}
}

func (p *Printer) writeBody(body []byte) {
	if p.level < types.LogLevelBody || len(body) == 0 {
		return
	}

	// Show first 100 bytes
	preview := body
	if len(preview) > 100 {
		preview = preview[:100]
	}

	if printable(preview) {
		fmt.Fprintf(p.output, "  %s\n", strings.ReplaceAll(string(preview), "\n", "\\n"))
	} else {
		fmt.Fprintf(p.output, "  <binary, %d bytes>\n", len(body))
	}
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 32 && c != '\n' && c != '\r' && c != '\t' {
			return false
		}
	}
	return true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
