// Package daemonconfig persists the toolhostd daemon's own runtime settings
// (listen address, manifest path, log directory) to a YAML file: a small
// Store type wrapping a single YAML document with sensible defaults filled
// in on load.
package daemonconfig

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the daemon's persisted configuration.
type Settings struct {
	ListenAddr   string `yaml:"listen_addr"`
	ManifestPath string `yaml:"manifest_path"`
	LogDir       string `yaml:"log_dir"`

	// LibrarySearchDirs are consulted in order when a manifest tool entry
	// names a tool by name rather than by an explicit path.
	LibrarySearchDirs []string `yaml:"library_search_dirs"`

	// DefaultEmbeddingDim pre-sizes the semantic index so the first tool
	// loaded doesn't force a resize. OpenAI's text-embedding-3-small, a
	// common choice for tool descriptions, is 1536-wide.
	DefaultEmbeddingDim int `yaml:"default_embedding_dim"`

	// DrainTimeoutSeconds bounds how long graceful shutdown waits for
	// inflight calls before giving up.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// CredentialStore selects the backing credential.Store: "memory" (the
	// default) or "keychain" for the OS-native credential vault.
	CredentialStore string `yaml:"credential_store"`
}

// DefaultSettings returns the daemon's out-of-the-box configuration.
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:          "127.0.0.1:8787",
		ManifestPath:        "toolhost.toml",
		LogDir:              "logs",
		LibrarySearchDirs:   []string{"lib"},
		DefaultEmbeddingDim: 1536,
		DrainTimeoutSeconds: 5,
		CredentialStore:     "memory",
	}
}

type settingsDocument struct {
	Settings Settings `yaml:"settings"`
}

// Store reads and writes a daemon Settings document at a fixed path.
type Store struct {
	path string
}

// NewStore returns a Store backed by the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads settings from disk, filling in defaults for any zero-valued
// field and for a missing file entirely.
func (s *Store) Load() (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, err
	}

	var doc settingsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Settings{}, err
	}
	settings = doc.Settings

	if settings.ListenAddr == "" {
		settings.ListenAddr = DefaultSettings().ListenAddr
	}
	if settings.ManifestPath == "" {
		settings.ManifestPath = DefaultSettings().ManifestPath
	}
	if settings.LogDir == "" {
		settings.LogDir = DefaultSettings().LogDir
	}
	if len(settings.LibrarySearchDirs) == 0 {
		settings.LibrarySearchDirs = DefaultSettings().LibrarySearchDirs
	}
	if settings.DefaultEmbeddingDim == 0 {
		settings.DefaultEmbeddingDim = DefaultSettings().DefaultEmbeddingDim
	}
	if settings.DrainTimeoutSeconds == 0 {
		settings.DrainTimeoutSeconds = DefaultSettings().DrainTimeoutSeconds
	}
	if settings.CredentialStore == "" {
		settings.CredentialStore = DefaultSettings().CredentialStore
	}

	return settings, nil
}

// Save writes settings to disk.
func (s *Store) Save(settings Settings) error {
	bytes, err := yaml.Marshal(settingsDocument{Settings: settings})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, bytes, 0o644)
}
