// Package config loads per-workflow parameter files and optional site-wide
// defaults for the qproject CLI.
package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/qbicsoftware/qproject/internal/errors"
)

// Defaults are site-wide presets an operator can keep next to the controller
// instead of repeating them on every invocation. All fields are optional and
// flags always win.
type Defaults struct {
	Dropbox string `yaml:"dropbox,omitempty"`
	Group   string `yaml:"group,omitempty"`
	Umask   string `yaml:"umask,omitempty"`
}

// LoadDefaults reads the defaults file at path. A missing file yields empty
// defaults; a malformed one is a configuration error. Environment variables
// in the file are expanded, and an optional .env alongside the process is
// loaded first so it can feed that expansion.
func LoadDefaults(path string) (*Defaults, error) {
	// Best effort: a missing .env is the normal case.
	_ = godotenv.Load()

	if path == "" {
		return &Defaults{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Defaults{}, nil
		}
		return nil, errors.ConfigurationError("cannot read defaults file").
			WithContext("path", path).WithContext("cause", err.Error())
	}

	var d Defaults
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &d); err != nil {
		return nil, errors.ConfigurationError("malformed defaults file").
			WithContext("path", path).WithContext("cause", err.Error())
	}
	return &d, nil
}

// LoadParams parses a per-workflow JSON parameter file. Malformed content is
// a fatal configuration error surfaced before any cloning begins.
func LoadParams(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ParamsFileError(path, err)
	}

	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errors.ParamsFileError(path, err)
	}
	return params, nil
}

// ParseUmask converts an octal umask string such as "077" into a file mode.
func ParseUmask(s string) (fs.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o777 {
		return 0, errors.ConfigurationError(fmt.Sprintf("invalid umask: %s", s))
	}
	return fs.FileMode(v), nil
}
