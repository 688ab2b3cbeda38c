package main

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wxbench.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigEnv(t *testing.T) {
	cfg, err := loadConfig("", env(map[string]string{"PAGE_MULTIPLE": "4", "ITERATIONS": "1000"}))
	require.NoError(t, err)
	assert.Equal(t, Config{PageMultiple: 4, Iterations: 1000}, cfg)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, "page_multiple = 3\niterations = 7\n")
	cfg, err := loadConfig(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, Config{PageMultiple: 3, Iterations: 7}, cfg)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "page_multiple = 3\niterations = 7\n")
	cfg, err := loadConfig(path, env(map[string]string{"ITERATIONS": "9"}))
	require.NoError(t, err)
	assert.Equal(t, Config{PageMultiple: 3, Iterations: 9}, cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		file string
		env  map[string]string
		key  string
	}{
		{"missing size", "", map[string]string{"ITERATIONS": "1"}, envPageMultiple},
		{"missing iterations", "page_multiple = 1\n", nil, envIterations},
		{"zero size", "", map[string]string{"PAGE_MULTIPLE": "0", "ITERATIONS": "1"}, envPageMultiple},
		{"negative iterations", "", map[string]string{"PAGE_MULTIPLE": "1", "ITERATIONS": "-1"}, envIterations},
		{"garbage", "", map[string]string{"PAGE_MULTIPLE": "many", "ITERATIONS": "1"}, envPageMultiple},
		{"overflowing size", "", map[string]string{"PAGE_MULTIPLE": strconv.Itoa(math.MaxInt/os.Getpagesize() + 1), "ITERATIONS": "1"}, envPageMultiple},
		{"size wraps to zero", "", map[string]string{"PAGE_MULTIPLE": "4503599627370496", "ITERATIONS": "1"}, envPageMultiple},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var path string
			if c.file != "" {
				path = writeConfig(t, c.file)
			}
			_, err := loadConfig(path, env(c.env))
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, c.key, cerr.Key)
		})
	}
}

func TestLoadConfigGarbageUnwraps(t *testing.T) {
	_, err := loadConfig("", env(map[string]string{"PAGE_MULTIPLE": "x", "ITERATIONS": "1"}))
	assert.ErrorIs(t, err, strconv.ErrSyntax)
}

func TestLoadConfigBadFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"), env(nil))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, "page_multiple = 1\nunknown = true\n")
	_, err = loadConfig(path, env(nil))
	assert.Error(t, err)
}

func TestLoadConfigLargestSize(t *testing.T) {
	pm := math.MaxInt / os.Getpagesize()
	cfg, err := loadConfig("", env(map[string]string{"PAGE_MULTIPLE": strconv.Itoa(pm), "ITERATIONS": "1"}))
	require.NoError(t, err)
	assert.Equal(t, pm, cfg.PageMultiple)
	assert.Positive(t, cfg.PageMultiple*os.Getpagesize())
}
