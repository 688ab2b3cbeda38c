package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"
)

// Environment variables read by loadConfig. They take precedence over the
// config file.
const (
	envPageMultiple = "PAGE_MULTIPLE"
	envIterations   = "ITERATIONS"
)

// Config is the benchmark configuration.
type Config struct {
	// PageMultiple is the number of pages in the code block.
	PageMultiple int
	// Iterations is the number of writable/executable cycles.
	Iterations int
}

// fileConfig is the TOML form of Config. Nil fields were not given.
type fileConfig struct {
	PageMultiple *int `toml:"page_multiple"`
	Iterations   *int `toml:"iterations"`
}

// ConfigError is the error for a missing or malformed setting.
type ConfigError struct {
	Key string
	Err error
}

func (err *ConfigError) Error() string {
	if err.Err == nil {
		return "Please supply " + err.Key
	}
	return fmt.Sprintf("invalid %s: %v", err.Key, err.Err)
}

func (err *ConfigError) Unwrap() error {
	return err.Err
}

var (
	errNotPositive = xerrors.New("must be positive")
	errNegative    = xerrors.New("must not be negative")
	errTooLarge    = xerrors.New("block size overflows")
)

// loadConfig reads the TOML file at path, if path is not empty, then applies
// environment overrides from lookup.
func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, xerrors.Errorf("reading config: %w", err)
		}
		d := toml.NewDecoder(bytes.NewReader(data))
		d.DisallowUnknownFields()
		if err := d.Decode(&fc); err != nil {
			return Config{}, xerrors.Errorf("parsing config %s: %w", path, err)
		}
	}
	pm, err := setting(envPageMultiple, fc.PageMultiple, lookup)
	if err != nil {
		return Config{}, err
	}
	if pm <= 0 {
		return Config{}, &ConfigError{Key: envPageMultiple, Err: errNotPositive}
	}
	if pm > math.MaxInt/os.Getpagesize() {
		return Config{}, &ConfigError{Key: envPageMultiple, Err: errTooLarge}
	}
	it, err := setting(envIterations, fc.Iterations, lookup)
	if err != nil {
		return Config{}, err
	}
	if it < 0 {
		return Config{}, &ConfigError{Key: envIterations, Err: errNegative}
	}
	return Config{PageMultiple: pm, Iterations: it}, nil
}

// setting resolves one integer setting from the environment, falling back to
// the file value.
func setting(key string, file *int, lookup func(string) (string, bool)) (int, error) {
	if s, ok := lookup(key); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, &ConfigError{Key: key, Err: err}
		}
		return n, nil
	}
	if file == nil {
		return 0, &ConfigError{Key: key}
	}
	return *file, nil
}
