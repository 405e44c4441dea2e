package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Retries)
	require.Equal(t, 200*time.Millisecond, cfg.Timeout)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swtp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :9000\nretries: 5\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, 5, cfg.Retries)
}

func TestFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swtp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :9000\n"), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen", "", "")
	fs.String("dial", "", "")
	fs.String("log-level", "", "")
	fs.String("metrics-addr", "", "")
	fs.Duration("timeout", 0, "")
	fs.Int("retries", 0, "")
	require.NoError(t, fs.Set("listen", ":9100"))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Listen)
}
