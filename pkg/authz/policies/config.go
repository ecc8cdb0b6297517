package policies

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/fhirstack/authcore/pkg/authz"
)

// Config identifies which policy-source backend a configuration file is
// for. Only the common version/type header is parsed here; the full raw
// configuration is preserved so the backend factory can parse it with
// domain-specific knowledge (e.g. CEL configs have a "cel" field at the
// top level, Cedar configs a "cedar" field).
type Config struct {
	// Version is the version of the configuration format.
	Version string `json:"version" yaml:"version"`

	// Type selects the backend (e.g. "celv1", "cedarv1").
	Type string `json:"type" yaml:"type"`

	// rawConfig stores the original raw configuration bytes for re-parsing
	// by the backend factory.
	rawConfig json.RawMessage
}

// UnmarshalJSON implements custom JSON unmarshaling that preserves the raw
// config while extracting the version and type fields.
func (c *Config) UnmarshalJSON(data []byte) error {
	var header struct {
		Version string `json:"version"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}

	c.Version = header.Version
	c.Type = header.Type
	c.rawConfig = data

	return nil
}

// MarshalJSON implements custom JSON marshaling. If the original raw
// config is present it is emitted verbatim to preserve all fields.
func (c *Config) MarshalJSON() ([]byte, error) {
	if len(c.rawConfig) > 0 {
		return c.rawConfig, nil
	}

	type alias struct {
		Version string `json:"version"`
		Type    string `json:"type"`
	}
	return json.Marshal(&alias{Version: c.Version, Type: c.Type})
}

// RawConfig returns the raw configuration bytes for the backend factory.
func (c *Config) RawConfig() json.RawMessage {
	return c.rawConfig
}

// Validate checks the header and delegates to the backend factory.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}

	factory := GetFactory(c.Type)
	if factory == nil {
		return fmt.Errorf("unsupported policy source type: %s (registered: %v)", c.Type, RegisteredTypes())
	}

	return factory.ValidateConfig(c.rawConfig)
}

// CreateSource instantiates the policy source described by the config.
func (c *Config) CreateSource() (authz.Source, error) {
	factory := GetFactory(c.Type)
	if factory == nil {
		return nil, fmt.Errorf("unsupported policy source type: %s", c.Type)
	}
	return factory.CreateSource(c.rawConfig)
}

// LoadConfig loads a policy-source configuration from a file. Both JSON
// and YAML are supported, detected by file extension.
func LoadConfig(path string) (*Config, error) {
	// Clean the path to prevent directory traversal.
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("path contains directory traversal elements: %s", path)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy configuration file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(cleanPath))

	switch ext {
	case ".yaml", ".yml":
		// Convert to JSON first for consistent handling.
		jsonData, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML policy configuration file: %w", err)
		}
		if err := json.Unmarshal(jsonData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse policy configuration: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy configuration file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported formats: .json, .yaml, .yml)", ext)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
