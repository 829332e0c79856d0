package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel(" Warning ").String())
	assert.Equal(t, "ERROR", ParseLevel("error").String())
	assert.Equal(t, "INFO", ParseLevel("verbose").String())
}

func TestFallbackLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, L())
	assert.NotNil(t, Audit())
	assert.NotNil(t, Named("gateway"))
}

func TestRollingFileRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "payments.log")
	w, err := newRollingFile(AuditConfig{Path: path, MaxBackups: 2})
	require.NoError(t, err)
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"first-entry-000\n", "second-entry-00\n", "third-entry-000\n", "fourth-entry-00\n"} {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fourth-entry-00\n", string(current))

	one, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "third-entry-000\n", string(one))

	two, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "second-entry-00\n", string(two))

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRollingFilePrunesOldBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.log")
	w, err := newRollingFile(AuditConfig{Path: path, MaxBackups: 3, MaxAgeDays: 1})
	require.NoError(t, err)
	w.maxSize = 8
	defer w.Close()

	require.NoError(t, os.WriteFile(path+".2", []byte("stale"), 0o644))
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(path+".2", old, old))

	_, err = w.Write([]byte("aaaaaaa\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("bbbbbbb\n"))
	require.NoError(t, err)

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "stale backup shifted to .3 must be pruned")
	one, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(one), "aaaaaaa"))
}

func TestRollingFileRequiresPath(t *testing.T) {
	_, err := newRollingFile(AuditConfig{})
	assert.Error(t, err)
}
