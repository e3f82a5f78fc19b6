// ABOUTME: Configuration loading and the mutable own-identity cell
// ABOUTME: Supports YAML files with environment variable expansion

package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the runtime configuration for a storage instance.
//
// The own-identity fields (phone number, ACI, PNI, device id) are mutable at
// runtime because the server can assign or rotate them after registration.
// That mutability is confined to this one type behind accessor methods; it
// is never ambient global state.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Attachments AttachmentsConfig `yaml:"attachments"`

	identity identityCell
}

// StorageConfig holds storage location configuration.
type StorageConfig struct {
	// Root is the base directory holding db/ and storage/.
	Root string `yaml:"root"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AttachmentsConfig holds attachment download configuration.
type AttachmentsConfig struct {
	// SizeLimit caps accepted attachment sizes in bytes. Zero means no cap.
	SizeLimit int64 `yaml:"size_limit"`
}

// identityCell holds the account's own identifiers behind a lock.
type identityCell struct {
	mu       sync.RWMutex
	tel      string
	aci      uuid.UUID
	pni      uuid.UUID
	deviceID uint32
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	return nil
}

// Tel returns the account's own phone number, or "" if unknown.
func (c *Config) Tel() string {
	c.identity.mu.RLock()
	defer c.identity.mu.RUnlock()
	return c.identity.tel
}

// SetTel records the account's own phone number.
func (c *Config) SetTel(tel string) {
	c.identity.mu.Lock()
	defer c.identity.mu.Unlock()
	c.identity.tel = tel
}

// ACI returns the account's primary identifier, or uuid.Nil if unknown.
func (c *Config) ACI() uuid.UUID {
	c.identity.mu.RLock()
	defer c.identity.mu.RUnlock()
	return c.identity.aci
}

// SetACI records the account's primary identifier.
func (c *Config) SetACI(aci uuid.UUID) {
	c.identity.mu.Lock()
	defer c.identity.mu.Unlock()
	c.identity.aci = aci
}

// PNI returns the account's phone-number identity, or uuid.Nil if unknown.
func (c *Config) PNI() uuid.UUID {
	c.identity.mu.RLock()
	defer c.identity.mu.RUnlock()
	return c.identity.pni
}

// SetPNI records the account's phone-number identity.
func (c *Config) SetPNI(pni uuid.UUID) {
	c.identity.mu.Lock()
	defer c.identity.mu.Unlock()
	c.identity.pni = pni
}

// DeviceID returns this device's id within the account, or 0 if unknown.
func (c *Config) DeviceID() uint32 {
	c.identity.mu.RLock()
	defer c.identity.mu.RUnlock()
	return c.identity.deviceID
}

// SetDeviceID records this device's id within the account.
func (c *Config) SetDeviceID(id uint32) {
	c.identity.mu.Lock()
	defer c.identity.mu.Unlock()
	c.identity.deviceID = id
}
