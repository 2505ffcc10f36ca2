package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EndpointOptions are the immutable connection parameters for one endpoint.
// Re-loading an id replaces the whole record; options are never merged.
type EndpointOptions struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	User                string `toml:"user"`
	KeyFile             string `toml:"key_file"`
	PassphraseEnv       string `toml:"passphrase_env"`
	KnownHostsFile      string `toml:"known_hosts_file"`
	InsecureSkipHostKey bool   `toml:"insecure_skip_host_key"`

	// ServerPort pins the remote kernel server port; 0 means discover it
	// from the remote server info file after start.
	ServerPort int `toml:"server_port"`

	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`
	InstallTimeoutSecs int `toml:"install_timeout_secs"`
	APITimeoutSecs     int `toml:"api_timeout_secs"`
}

// Store is the persisted endpoint configuration, keyed by endpoint id.
type Store struct {
	Endpoints map[string]EndpointOptions `toml:"endpoints"`
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultInstallTimeout = 60 * time.Second
	defaultAPITimeout     = 15 * time.Second
)

func Load(path string) (Store, error) {
	var store Store
	data, err := os.ReadFile(path)
	if err != nil {
		return Store{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &store); err != nil {
		return Store{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if store.Endpoints == nil {
		store.Endpoints = map[string]EndpointOptions{}
	}
	for id, opts := range store.Endpoints {
		if err := ValidateEndpointOptions(opts); err != nil {
			return Store{}, fmt.Errorf("endpoint %q invalid: %w", id, err)
		}
		store.Endpoints[id] = withDefaults(opts)
	}
	return store, nil
}

// Get returns the options for one configured endpoint id.
func (s Store) Get(id string) (EndpointOptions, bool) {
	opts, ok := s.Endpoints[id]
	return opts, ok
}

// IDs returns the configured endpoint ids in stable order.
func (s Store) IDs() []string {
	out := make([]string, 0, len(s.Endpoints))
	for id := range s.Endpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func ValidateEndpointOptions(opts EndpointOptions) error {
	if strings.TrimSpace(opts.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if strings.TrimSpace(opts.User) == "" {
		return fmt.Errorf("user is required")
	}
	if strings.TrimSpace(opts.KeyFile) == "" {
		return fmt.Errorf("key_file is required")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return fmt.Errorf("port out of range: %d", opts.Port)
	}
	if opts.ServerPort < 0 || opts.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", opts.ServerPort)
	}
	return nil
}

func withDefaults(opts EndpointOptions) EndpointOptions {
	if opts.ConnectTimeoutSecs <= 0 {
		opts.ConnectTimeoutSecs = int(defaultConnectTimeout / time.Second)
	}
	if opts.InstallTimeoutSecs <= 0 {
		opts.InstallTimeoutSecs = int(defaultInstallTimeout / time.Second)
	}
	if opts.APITimeoutSecs <= 0 {
		opts.APITimeoutSecs = int(defaultAPITimeout / time.Second)
	}
	return opts
}

// WithDefaults fills zero timeout fields, for options built in code rather
// than loaded from disk.
func (o EndpointOptions) WithDefaults() EndpointOptions {
	return withDefaults(o)
}

func (o EndpointOptions) ConnectTimeout() time.Duration {
	if o.ConnectTimeoutSecs <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(o.ConnectTimeoutSecs) * time.Second
}

func (o EndpointOptions) InstallTimeout() time.Duration {
	if o.InstallTimeoutSecs <= 0 {
		return defaultInstallTimeout
	}
	return time.Duration(o.InstallTimeoutSecs) * time.Second
}

func (o EndpointOptions) APITimeout() time.Duration {
	if o.APITimeoutSecs <= 0 {
		return defaultAPITimeout
	}
	return time.Duration(o.APITimeoutSecs) * time.Second
}

// Passphrase resolves the key passphrase from the configured environment
// variable, if any. Secrets stay out of the TOML file itself.
func (o EndpointOptions) Passphrase() []byte {
	env := strings.TrimSpace(o.PassphraseEnv)
	if env == "" {
		return nil
	}
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	return []byte(v)
}
