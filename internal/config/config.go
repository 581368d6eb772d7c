// Package config loads the proxy configuration from a YAML file and the
// environment on top of the built-in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/burpheart/proxycord/pkg/types"
)

// EnvPrefix prefixes every environment variable the proxy reads.
const EnvPrefix = "PROXYCORD_"

// Error represents a configuration file error with location info.
type Error struct {
	Path    string
	Line    int
	Message string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", e.Path, e.Line, e.Message)
	}
	return e.Path + ": " + e.Message
}

var yamlLine = regexp.MustCompile(`line (\d+): `)

// Load returns the defaults overridden by the file at path (if path is not
// empty) and then by the environment.
// Precedence: env > file > defaults. Flags are applied by the caller.
func Load(path string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the YAML file at path into cfg. Keys absent from the file
// keep their current values.
func LoadFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path, cfg)
}

// Parse decodes YAML data into cfg. path is only used in errors.
func Parse(data []byte, path string, cfg *types.Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return newError(path, err)
	}
	return nil
}

func newError(path string, err error) *Error {
	msg := err.Error()
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		msg = typeErr.Errors[0]
	}
	msg = strings.TrimPrefix(msg, "yaml: ")

	e := &Error{Path: path, Message: msg}
	if m := yamlLine.FindStringSubmatch(msg); m != nil {
		e.Line, _ = strconv.Atoi(m[1])
		e.Message = strings.Replace(msg, m[0], "", 1)
	}
	return e
}

// ApplyEnv overrides cfg with the PROXYCORD_* variables that lookup finds.
func ApplyEnv(cfg *types.Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %q is not a number", EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}

	str("LOCAL_HOST", &cfg.LocalHost)
	num("LOCAL_PORT", &cfg.LocalPort)
	str("REMOTE_HOST", &cfg.RemoteHost)
	num("REMOTE_PORT", &cfg.RemotePort)
	str("OUT", &cfg.OutFile)
	str("UPSTREAM_PROXY", &cfg.UpstreamProxy)
	num("WORKERS", &cfg.Workers)
	num("API_PORT", &cfg.APIPort)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if v, ok := lookup(EnvPrefix + "DIAL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDIAL_TIMEOUT: %w", EnvPrefix, err))
		} else {
			cfg.DialTimeout = d
		}
	}
	if v, ok := lookup(EnvPrefix + "TRAFFIC_LOG"); ok {
		if err := cfg.TrafficLogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("%sTRAFFIC_LOG: %w", EnvPrefix, err))
		}
	}
	return errors.Join(errs...)
}
