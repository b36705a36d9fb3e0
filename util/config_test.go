package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfWithYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 8080
  sslDomain: example.com
  cursorSecret: s3cret
  federation:
    fanoutPageSize: 20
    pagePacing: 250ms
  queue:
    maxReceives: 3
`)

	config, err := ReadConf(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", config.Conf.Host)
	assert.Equal(t, 8080, config.Conf.HttpPort)
	assert.Equal(t, "example.com", config.Conf.SslDomain)
	assert.Equal(t, "s3cret", config.Conf.CursorSecret)
	assert.Equal(t, 20, config.Conf.Federation.FanoutPageSize)
	assert.Equal(t, 250*time.Millisecond, config.Conf.Federation.PagePacing)
	assert.Equal(t, 3, config.Conf.Queue.MaxReceives)

	// untouched fields fall back to defaults
	assert.Equal(t, 8, config.Conf.Federation.DeliveryWorkers)
	assert.Equal(t, 20*time.Second, config.Conf.Queue.WaitTime)
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, "conf:\n  httpPort: 8080\n  cursorSecret: x\n")

	t.Setenv("TUSK_HOST", "0.0.0.0")
	t.Setenv("TUSK_HTTPPORT", "9090")
	t.Setenv("TUSK_SSLDOMAIN", "social.example")
	t.Setenv("TUSK_DELIVERY_WORKERS", "2")
	t.Setenv("TUSK_PAGE_PACING", "0s")

	config, err := ReadConf(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", config.Conf.Host)
	assert.Equal(t, 9090, config.Conf.HttpPort)
	assert.Equal(t, "social.example", config.Conf.SslDomain)
	assert.Equal(t, 2, config.Conf.Federation.DeliveryWorkers)
	assert.Equal(t, time.Duration(0), config.Conf.Federation.PagePacing)
}

func TestReadConfRejectsBadPort(t *testing.T) {
	path := writeConfig(t, "conf:\n  cursorSecret: x\n")
	t.Setenv("TUSK_HTTPPORT", "not-a-port")

	_, err := ReadConf(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TUSK_HTTPPORT")
}

func TestReadConfInvalidYaml(t *testing.T) {
	path := writeConfig(t, "conf: [unclosed")
	_, err := ReadConf(path)
	require.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	c := &AppConfig{}
	c.Conf.DbPath = "test.db"
	c.ApplyDefaults()

	assert.Equal(t, 9999, c.Conf.HttpPort)
	assert.Equal(t, 4096, c.Conf.KeyBits)
	assert.Len(t, c.Conf.CursorSecret, 32)
	assert.Equal(t, 50, c.Conf.Federation.FanoutPageSize)
	assert.Equal(t, time.Duration(0), c.Conf.Federation.PagePacing)
	assert.Equal(t, 24*time.Hour, c.Conf.Federation.ActorTTL)
	assert.Equal(t, 5, c.Conf.Queue.MaxReceives)
	assert.Equal(t, 60*time.Second, c.Conf.Queue.VisibilityTimeout)
}

func TestEmbeddedConfigParses(t *testing.T) {
	path := writeConfig(t, string(embeddedConfig))
	config, err := ReadConf(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, config.Conf.Federation.PagePacing)
	assert.Equal(t, 500*time.Millisecond, config.Conf.Queue.PollInterval)
}
