package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ObjectTypeOverrides holds a map of per-object-type listener overrides,
// for deployments that dispatch more than one object type from the same
// host but want independent trace names or bracketing text per type.
type ObjectTypeOverrides struct {
	ObjectTypes map[int32]ListenerConfig `yaml:"object_types"`
}

// Manager resolves the effective listener config for a given object
// type, merging a per-type override on top of the global config.
type Manager struct {
	global    *Config
	overrides map[int32]ListenerConfig
	mu        sync.RWMutex
}

// NewManager loads the master config and an optional object-type
// overrides file; a missing overrides file is not an error.
func NewManager(masterPath, overridesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: master, overrides: make(map[int32]ListenerConfig)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oto ObjectTypeOverrides
	if err := yaml.NewDecoder(f).Decode(&oto); err != nil {
		return nil, err
	}
	return &Manager{global: master, overrides: oto.ObjectTypes}, nil
}

// ListenerFor returns the effective ListenerConfig for objectType,
// applying any override on top of the global listener defaults.
func (m *Manager) ListenerFor(objectType int32) ListenerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.Listener
	override, ok := m.overrides[objectType]
	if !ok {
		return effective
	}
	if override.TraceName != "" {
		effective.TraceName = override.TraceName
	}
	if override.Pre != "" {
		effective.Pre = override.Pre
	}
	if override.Post != "" {
		effective.Post = override.Post
	}
	if override.RelayAddr != "" {
		effective.RelayAddr = override.RelayAddr
	}
	effective.JUnit = override.JUnit || effective.JUnit
	effective.Relay = override.Relay || effective.Relay
	effective.Append = override.Append || effective.Append
	return effective
}
