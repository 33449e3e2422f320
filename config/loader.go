package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pelletier/go-toml"

	"github.com/wippyai/wasm-tcpip/errors"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks a format from a file extension. Unknown extensions are
// read as YAML, which also accepts JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "open config file")
	}
	defer f.Close()

	c, err := Decode(f, FormatOf(path))
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Decode reads a configuration in the given format without validating it.
func Decode(r io.Reader, format Format) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, readFailed("failed to read config file", err)
	}

	switch format {
	case FormatJSON:
	case FormatYAML:
		raw, err = yaml.YAMLToJSON(raw)
		if err != nil {
			return nil, readFailed("failed to convert yaml to json", err)
		}
	case FormatTOML:
		m := make(map[string]any)
		if err := toml.Unmarshal(raw, &m); err != nil {
			return nil, readFailed("failed to convert toml to map", err)
		}
		raw, err = json.Marshal(m)
		if err != nil {
			return nil, readFailed("failed to convert map to json", err)
		}
	default:
		return nil, errors.Unsupported(errors.PhaseConfig, fmt.Sprintf("config format %q", format))
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (*Config, error) {
	c := &Config{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var pos *offset
		switch terr := err.(type) {
		case *json.SyntaxError:
			pos = findOffset(raw, int(terr.Offset))
		case *json.UnmarshalTypeError:
			pos = findOffset(raw, int(terr.Offset))
		}
		if pos != nil {
			return nil, readFailed(fmt.Sprintf("failed to read config file at line %d char %d", pos.line, pos.char), err)
		}
		return nil, readFailed("failed to read config file", err)
	}
	return c, nil
}

type offset struct {
	line int
	char int
}

func findOffset(b []byte, o int) *offset {
	if o >= len(b) || o < 0 {
		return nil
	}

	line := 1
	char := 0
	for i, x := range b {
		if i == o {
			break
		}
		if x == '\n' {
			line++
			char = 0
		} else {
			char++
		}
	}
	return &offset{line: line, char: char}
}

func readFailed(detail string, cause error) error {
	return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, cause, detail)
}
