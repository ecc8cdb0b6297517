// Package policies provides the configuration framework for custom policy
// sources. It defines the factory interface, a registry keyed by config
// type, and config loading with raw-config preservation so each backend
// can parse its own options.
package policies

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fhirstack/authcore/pkg/authz"
)

// SourceFactory is the interface policy-source backends implement to
// register themselves. Each backend (CEL scripts, Cedar policies, ...)
// provides validation and instantiation from its configuration format.
type SourceFactory interface {
	// ValidateConfig validates the backend-specific configuration.
	// The rawConfig is the JSON-encoded source configuration.
	ValidateConfig(rawConfig json.RawMessage) error

	// CreateSource creates a policy source from the configuration.
	CreateSource(rawConfig json.RawMessage) (authz.Source, error)
}

// registry holds the registered source factories, keyed by config type.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]SourceFactory)
)

// Register registers a SourceFactory for the given config type. This is
// typically called from an init() function in the backend package. It
// panics if a factory is already registered for the type.
func Register(configType string, factory SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[configType]; exists {
		panic(fmt.Sprintf("policy source factory already registered for type: %s", configType))
	}
	registry[configType] = factory
}

// GetFactory returns the SourceFactory for the given config type.
// Returns nil if no factory is registered for the type.
func GetFactory(configType string) SourceFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	return registry[configType]
}

// IsRegistered returns true if a factory is registered for the given
// config type.
func IsRegistered(configType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, exists := registry[configType]
	return exists
}

// RegisteredTypes returns a list of all registered config types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
