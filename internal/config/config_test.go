// ABOUTME: Tests for configuration loading and the own-identity cell
// ABOUTME: Covers YAML loading, env var expansion, validation, and accessors

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  root: /var/lib/signalstore
logging:
  level: debug
  format: text
attachments:
  size_limit: 1048576
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/signalstore", cfg.Storage.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(1048576), cfg.Attachments.SizeLimit)
}

func TestLoad_MissingRoot(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: info
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.root")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SIGNALSTORE_TEST_ROOT", "/tmp/expanded")

	path := writeConfigFile(t, `
storage:
  root: ${SIGNALSTORE_TEST_ROOT}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded", cfg.Storage.Root)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestIdentity_Accessors(t *testing.T) {
	cfg := &Config{}

	assert.Empty(t, cfg.Tel())
	assert.Equal(t, uuid.Nil, cfg.ACI())
	assert.Equal(t, uuid.Nil, cfg.PNI())
	assert.Zero(t, cfg.DeviceID())

	aci := uuid.New()
	pni := uuid.New()
	cfg.SetTel("+32474000000")
	cfg.SetACI(aci)
	cfg.SetPNI(pni)
	cfg.SetDeviceID(2)

	assert.Equal(t, "+32474000000", cfg.Tel())
	assert.Equal(t, aci, cfg.ACI())
	assert.Equal(t, pni, cfg.PNI())
	assert.Equal(t, uint32(2), cfg.DeviceID())
}

func TestIdentity_ConcurrentAccess(t *testing.T) {
	cfg := &Config{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cfg.SetACI(uuid.New())
		}()
		go func() {
			defer wg.Done()
			_ = cfg.ACI()
		}()
	}
	wg.Wait()

	assert.NotEqual(t, uuid.Nil, cfg.ACI())
}
