package graphsync

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds Neo4j connection configuration
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// DriverRunner writes statements through the Neo4j driver
type DriverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewDriverRunner connects to Neo4j and verifies connectivity
func NewDriverRunner(ctx context.Context, cfg Config) (*DriverRunner, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	return &DriverRunner{driver: driver, database: database}, nil
}

// EnsureSchema creates the uniqueness constraint the mirror relies on
func (r *DriverRunner) EnsureSchema(ctx context.Context) error {
	return r.Write(ctx, []Statement{{
		Cypher: `CREATE CONSTRAINT content_node_id IF NOT EXISTS
			FOR (n:ContentNode) REQUIRE (n.workspace, n.id) IS UNIQUE`,
	}})
}

// Write implements Runner
func (r *DriverRunner) Write(ctx context.Context, stmts []Statement) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			res, err := tx.Run(ctx, st.Cypher, st.Params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// Close closes the Neo4j connection
func (r *DriverRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
