package httpstream

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	tlsRecordHandshake  = 0x16
	tlsTypeClientHello  = 0x01
	tlsExtServerName    = 0x0000
	tlsServerNameHost   = 0x00
	tlsRecordHeaderSize = 5
)

// TLSError is the fault raised when a direction turns out to carry a TLS
// handshake instead of HTTP. It wraps ErrMalformed.
type TLSError struct {
	// ServerName is the SNI of the ClientHello, if it was readable.
	ServerName string
}

func (e *TLSError) Error() string {
	if e.ServerName == "" {
		return "httpstream: TLS handshake, not HTTP"
	}
	return fmt.Sprintf("httpstream: TLS handshake for %q, not HTTP", e.ServerName)
}

func (e *TLSError) Unwrap() error {
	return ErrMalformed
}

// IsTLSClientHello reports whether data starts with a TLS handshake record
// carrying a ClientHello.
func IsTLSClientHello(data []byte) bool {
	if len(data) < tlsRecordHeaderSize+1 || data[0] != tlsRecordHandshake {
		return false
	}
	// SSL 3.0 through TLS 1.3 record versions.
	if data[1] != 0x03 || data[2] > 0x04 {
		return false
	}
	return data[5] == tlsTypeClientHello
}

// ServerName extracts the SNI host name from a ClientHello. It returns ""
// when data is truncated or has no server_name extension.
func ServerName(data []byte) string {
	if !IsTLSClientHello(data) {
		return ""
	}
	s := cryptobyte.String(data[tlsRecordHeaderSize:])

	var (
		msgType uint8
		hello   cryptobyte.String
	)
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&hello) {
		return ""
	}

	var (
		version   uint16
		random    []byte
		sessionID cryptobyte.String
		suites    cryptobyte.String
		methods   cryptobyte.String
		exts      cryptobyte.String
	)
	if !hello.ReadUint16(&version) ||
		!hello.ReadBytes(&random, 32) ||
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&suites) ||
		!hello.ReadUint8LengthPrefixed(&methods) ||
		!hello.ReadUint16LengthPrefixed(&exts) {
		return ""
	}

	for !exts.Empty() {
		var (
			typ  uint16
			body cryptobyte.String
		)
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&body) {
			return ""
		}
		if typ != tlsExtServerName {
			continue
		}

		var names cryptobyte.String
		if !body.ReadUint16LengthPrefixed(&names) {
			return ""
		}
		for !names.Empty() {
			var (
				nameType uint8
				name     cryptobyte.String
			)
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return ""
			}
			if nameType == tlsServerNameHost && validHostname(name) {
				return string(name)
			}
		}
	}
	return ""
}

func validHostname(b []byte) bool {
	if len(b) == 0 || len(b) > 255 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_':
		default:
			return false
		}
	}
	return true
}
