// Package config loads the content store server configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CONTENTSTORE_"

// Backend names
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the server configuration
type Config struct {
	// GrpcPort serves the content store service
	GrpcPort int `yaml:"grpcPort"`
	// ObservabilityPort serves metrics, health, pprof and the event stream.
	// Zero disables it.
	ObservabilityPort int `yaml:"observabilityPort"`

	// DataDir holds the SQLite database and the event journal
	DataDir string `yaml:"dataDir"`
	// Backend is memory or sqlite
	Backend    string   `yaml:"backend"`
	JournalDir string   `yaml:"journalDir,omitempty"`
	Workspaces []string `yaml:"workspaces"`

	// NodeTypeDirs are loaded at startup; with WatchNodeTypes set they are
	// re-registered whenever their files change
	NodeTypeDirs   []string `yaml:"nodeTypeDirs,omitempty"`
	WatchNodeTypes bool     `yaml:"watchNodeTypes"`

	Log   LogConfig    `yaml:"log"`
	Neo4j *Neo4jConfig `yaml:"neo4j,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Neo4jConfig enables the graph mirror
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
	// PasswordEnv names an environment variable holding the password
	PasswordEnv string `yaml:"passwordEnv,omitempty"`
	Database    string `yaml:"database,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		GrpcPort:          50051,
		ObservabilityPort: 9090,
		DataDir:           "data",
		Backend:           BackendSQLite,
		Workspaces:        []string{"default"},
		Log:               LogConfig{Level: "info"},
		ShutdownTimeout:   10 * time.Second,
	}
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the result.
// An empty path starts from the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CONTENTSTORE_* variables looked up by
// lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		return lookup(EnvPrefix + name)
	}
	if v, ok := get("GRPC_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sGRPC_PORT: %w", EnvPrefix, err)
		}
		c.GrpcPort = n
	}
	if v, ok := get("OBSERVABILITY_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sOBSERVABILITY_PORT: %w", EnvPrefix, err)
		}
		c.ObservabilityPort = n
	}
	if v, ok := get("DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := get("BACKEND"); ok {
		c.Backend = v
	}
	if v, ok := get("JOURNAL_DIR"); ok {
		c.JournalDir = v
	}
	if v, ok := get("WORKSPACES"); ok {
		c.Workspaces = splitList(v)
	}
	if v, ok := get("NODE_TYPE_DIRS"); ok {
		c.NodeTypeDirs = splitList(v)
	}
	if v, ok := get("WATCH_NODE_TYPES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sWATCH_NODE_TYPES: %w", EnvPrefix, err)
		}
		c.WatchNodeTypes = b
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_PRETTY: %w", EnvPrefix, err)
		}
		c.Log.Pretty = b
	}
	if v, ok := get("NEO4J_URI"); ok {
		if c.Neo4j == nil {
			c.Neo4j = &Neo4jConfig{}
		}
		c.Neo4j.URI = v
	}
	if c.Neo4j != nil {
		if v, ok := get("NEO4J_USERNAME"); ok {
			c.Neo4j.Username = v
		}
		if v, ok := get("NEO4J_PASSWORD"); ok {
			c.Neo4j.Password = v
		}
		if c.Neo4j.Password == "" && c.Neo4j.PasswordEnv != "" {
			c.Neo4j.Password, _ = lookup(c.Neo4j.PasswordEnv)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var problems []error
	if c.GrpcPort <= 0 || c.GrpcPort > 65535 {
		problems = append(problems, fmt.Errorf("grpcPort %d out of range", c.GrpcPort))
	}
	if c.ObservabilityPort < 0 || c.ObservabilityPort > 65535 {
		problems = append(problems, fmt.Errorf("observabilityPort %d out of range", c.ObservabilityPort))
	}
	if c.ObservabilityPort != 0 && c.ObservabilityPort == c.GrpcPort {
		problems = append(problems, errors.New("grpcPort and observabilityPort must differ"))
	}
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.DataDir == "" {
			problems = append(problems, errors.New("dataDir is required for the sqlite backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if len(c.Workspaces) == 0 {
		problems = append(problems, errors.New("at least one workspace is required"))
	}
	if c.WatchNodeTypes && len(c.NodeTypeDirs) == 0 {
		problems = append(problems, errors.New("watchNodeTypes needs nodeTypeDirs"))
	}
	if c.Neo4j != nil && c.Neo4j.URI == "" {
		problems = append(problems, errors.New("neo4j.uri is required when neo4j is configured"))
	}
	return errors.Join(problems...)
}
