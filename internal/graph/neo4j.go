package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jIngester writes findings to a Neo4j instance over Bolt.
type Neo4jIngester struct {
	driver neo4j.DriverWithContext
}

var _ Ingester = (*Neo4jIngester)(nil)

// Connect opens a driver and verifies connectivity. On failure it returns
// a Noop ingester and logs a single warning, so worker startup never
// blocks on the graph service.
func Connect(ctx context.Context, uri, user, password string, logger *slog.Logger) Ingester {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err == nil {
		verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = driver.VerifyConnectivity(verifyCtx)
	}
	if err != nil {
		logger.Warn("graph service unreachable, finding ingestion disabled", "uri", uri, "error", err)
		return Noop{}
	}
	return &Neo4jIngester{driver: driver}
}

// IngestFinding merges the primary node by id, then merges each target
// node and its relationship. MERGE keeps re-ingestion idempotent.
func (n *Neo4jIngester) IngestFinding(ctx context.Context, node Node, edges []Edge) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf("MERGE (f:%s {id: $id}) SET f += $props", node.Label)
		if _, err := tx.Run(ctx, query, map[string]any{
			"id":    node.ID,
			"props": node.Properties,
		}); err != nil {
			return nil, err
		}

		for _, e := range edges {
			if e.ToID == "" {
				continue
			}
			query := fmt.Sprintf(
				"MATCH (f:%s {id: $from}) MERGE (t:%s {id: $to}) MERGE (f)-[r:%s]->(t) SET r += $props",
				node.Label, e.ToLabel, e.Rel)
			props := e.Properties
			if props == nil {
				props = map[string]any{}
			}
			if _, err := tx.Run(ctx, query, map[string]any{
				"from":  node.ID,
				"to":    e.ToID,
				"props": props,
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("ingest %s %s: %w", node.Label, node.ID, err)
	}
	return nil
}

// Close shuts down the driver.
func (n *Neo4jIngester) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}
