package sgdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sgdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestLoadOptions(t *testing.T) {
	assert := assertion.New(t)
	path := writeConfig(t, `
payload_size: 512
compression: lz4
timeout: 2s
log_level: debug
no_sync: true
`)
	opts, err := LoadOptions(path)
	assert.NoError(err)
	assert.Equal(512, opts.PayloadSize)
	assert.Equal(CompLz4, opts.Compression)
	assert.Equal(2*time.Second, opts.Timeout)
	assert.Equal("debug", opts.LogLevel)
	assert.True(opts.NoSync)
	assert.Equal(DefaultPageLimit, opts.PageLimit)
	assert.Equal("", opts.BackupDir)

	// defaults are copied, not shared
	assert.Equal(DefaultPayloadSize, DefaultOptions.PayloadSize)
}

func TestLoadOptionsErrors(t *testing.T) {
	assert := assertion.New(t)

	_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(err)

	_, err = LoadOptions(writeConfig(t, "log_level: loud\n"))
	assert.Error(err)

	_, err = LoadOptions(writeConfig(t, "compression: zip\n"))
	assert.Error(err)

	_, err = LoadOptions(writeConfig(t, "payload_size: [1\n"))
	assert.Error(err)
}

func TestOptionsLogger(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, &Options{LogLevel: "debug"})
	assert.Equal(log.DebugLevel, db.log.Logger.Level)
	assert.Equal(db.Path(), db.log.Data["db"])

	entry, err := (&Options{}).logger("x")
	assert.NoError(err)
	assert.Equal(log.StandardLogger(), entry.Logger)

	_, err = (&Options{LogLevel: "loud"}).logger("x")
	assert.Error(err)
}
