package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/coreguard/coreguard/pkg/models"
)

// Settings is the persisted application configuration. Execution mode is
// deliberately absent: it is resolved fresh on every engine start from
// DelegatedMode plus live service reachability.
type Settings struct {
	DelegatedMode    bool                 `mapstructure:"delegated_mode" yaml:"delegated_mode"`
	EngineVariant    models.EngineVariant `mapstructure:"engine_variant" yaml:"engine_variant"`
	TunMode          bool                 `mapstructure:"tun_mode" yaml:"tun_mode"`
	ProfilePath      string               `mapstructure:"profile_path" yaml:"profile_path,omitempty"`
	DataDir          string               `mapstructure:"data_dir" yaml:"data_dir"`
	InstallDir       string               `mapstructure:"install_dir" yaml:"install_dir"`
	ControllerAddr   string               `mapstructure:"controller_addr" yaml:"controller_addr"`
	ControllerSecret string               `mapstructure:"controller_secret" yaml:"controller_secret,omitempty"`
	MixedPort        int                  `mapstructure:"mixed_port" yaml:"mixed_port"`
	ServiceSocket    string               `mapstructure:"service_socket" yaml:"service_socket"`
	APIToken         string               `mapstructure:"api_token" yaml:"api_token,omitempty"`
	LogLevel         string               `mapstructure:"log_level" yaml:"log_level"`
	LogRetain        int                  `mapstructure:"log_retain" yaml:"log_retain"`
}

// DefaultSettings returns the settings used before any file exists.
func DefaultSettings() Settings {
	dataDir := "./data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".coreguard", "data")
	}
	return Settings{
		EngineVariant:  models.VariantClash,
		DataDir:        dataDir,
		InstallDir:     "/usr/local/lib/coreguard",
		ControllerAddr: "127.0.0.1:9090",
		MixedPort:      7890,
		ServiceSocket:  "/var/run/coreguard-service.sock",
		LogLevel:       "info",
		LogRetain:      1000,
	}
}

// Load reads settings from path (YAML) on top of defaults. A missing
// file is not an error; defaults apply until the first Save.
func Load(path string) (*Store, error) {
	s := DefaultSettings()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COREGUARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
	} else if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if _, err := models.ParseVariant(string(s.EngineVariant)); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	return NewStore(path, s), nil
}

// Store holds the current settings plus an optional staged draft. The
// draft is what a transactional change (engine variant switch) mutates;
// it becomes current only on Apply, and vanishes on Discard.
type Store struct {
	mu      sync.Mutex
	path    string
	current Settings
	draft   *Settings
}

// NewStore wraps settings with draft/apply/discard/save semantics.
func NewStore(path string, s Settings) *Store {
	return &Store{path: path, current: s}
}

// Current returns a copy of the committed settings.
func (st *Store) Current() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Latest returns the draft if one is staged, otherwise the committed
// settings. Config generation and engine starts read through Latest so
// a staged variant switch takes effect before it is committed.
func (st *Store) Latest() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.draft != nil {
		return *st.draft
	}
	return st.current
}

// Draft stages a mutable copy of the settings and returns it. Repeated
// calls return the same staged draft.
func (st *Store) Draft() *Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.draft == nil {
		d := st.current
		st.draft = &d
	}
	return st.draft
}

// Apply commits the staged draft.
func (st *Store) Apply() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.draft != nil {
		st.current = *st.draft
		st.draft = nil
	}
}

// Discard drops the staged draft.
func (st *Store) Discard() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.draft = nil
}

// Save writes the committed settings to disk.
func (st *Store) Save() error {
	st.mu.Lock()
	current := st.current
	path := st.path
	st.mu.Unlock()

	data, err := yaml.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", path, err)
	}
	return nil
}
