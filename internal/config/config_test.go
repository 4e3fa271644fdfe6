package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 50051, cfg.GrpcPort)
	require.Equal(t, BackendSQLite, cfg.Backend)
	require.Equal(t, []string{"default"}, cfg.Workspaces)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
grpcPort: 6000
backend: memory
workspaces: [default, staging]
nodeTypeDirs: [types]
watchNodeTypes: true
shutdownTimeout: 3s
log:
  level: debug
neo4j:
  uri: bolt://localhost:7687
  username: neo4j
  passwordEnv: GRAPH_PASSWORD
`))
	require.NoError(t, err)
	require.Equal(t, 6000, cfg.GrpcPort)
	require.Equal(t, 9090, cfg.ObservabilityPort)
	require.Equal(t, []string{"default", "staging"}, cfg.Workspaces)
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, "debug", cfg.Log.Level)
	require.NotNil(t, cfg.Neo4j)
	require.NoError(t, cfg.Validate())

	require.NoError(t, cfg.ApplyEnv(env(map[string]string{"GRAPH_PASSWORD": "secret"})))
	require.Equal(t, "secret", cfg.Neo4j.Password)
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"CONTENTSTORE_GRPC_PORT":        "7000",
		"CONTENTSTORE_BACKEND":          "memory",
		"CONTENTSTORE_WORKSPACES":       "a, b,,c",
		"CONTENTSTORE_LOG_PRETTY":       "true",
		"CONTENTSTORE_NEO4J_URI":        "bolt://graph:7687",
		"CONTENTSTORE_NEO4J_PASSWORD":   "pw",
		"CONTENTSTORE_WATCH_NODE_TYPES": "false",
	}))
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.GrpcPort)
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, []string{"a", "b", "c"}, cfg.Workspaces)
	require.True(t, cfg.Log.Pretty)
	require.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
	require.Equal(t, "pw", cfg.Neo4j.Password)

	err = cfg.ApplyEnv(env(map[string]string{"CONTENTSTORE_GRPC_PORT": "many"}))
	require.ErrorContains(t, err, "CONTENTSTORE_GRPC_PORT")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.GrpcPort = 0
	cfg.Backend = "tape"
	cfg.Workspaces = nil
	cfg.WatchNodeTypes = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"grpcPort", "unknown backend", "workspace", "watchNodeTypes"} {
		require.ErrorContains(t, err, want)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contentstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: memory\nobservabilityPort: 0\n"), 0o644))
	t.Setenv("CONTENTSTORE_GRPC_PORT", "6123")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, 0, cfg.ObservabilityPort)
	require.Equal(t, 6123, cfg.GrpcPort)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
