package neo4j

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/models"
)

const (
	mergeClustersQuery = `
		UNWIND $clusters AS c
		MERGE (cl:Cluster {id: c.id})
		SET cl.display_name = c.display_name,
			cl.source_ids = c.source_ids,
			cl.source_count = c.source_count,
			cl.match_type = c.match_type,
			cl.composite_score = c.composite_score,
			cl.category = c.category,
			cl.run_id = $run_id,
			cl.updated_at = $updated_at
	`

	mergeMembersQuery = `
		UNWIND $members AS m
		MERGE (r:Record {identity: m.identity})
		SET r.source_id = m.source_id,
			r.external_id = m.external_id,
			r.raw_name = m.raw_name,
			r.normalized_key = m.key
		WITH r, m
		MATCH (cl:Cluster {id: m.cluster_id})
		MERGE (r)-[:MEMBER_OF]->(cl)
	`

	mergeEdgesQuery = `
		UNWIND $edges AS e
		MATCH (a:Record {identity: e.from}), (b:Record {identity: e.to})
		MERGE (a)-[rel:CORRELATED]->(b)
		SET rel.match_type = e.match_type,
			rel.confidence = e.confidence,
			rel.rule = e.rule,
			rel.run_id = $run_id
	`
)

// Client writes correlation runs into the graph
type Client struct {
	driver neo4j.DriverWithContext
	config config.Neo4jConfig
	logger *zap.Logger
}

// NewClient creates a new Neo4j client and verifies connectivity
func NewClient(cfg config.Neo4jConfig, logger *zap.Logger) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = cfg.MaxConnections
			config.ConnectionAcquisitionTimeout = cfg.ConnectionTimeout
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Neo4j driver")
	}

	client := &Client{
		driver: driver,
		config: cfg,
		logger: logger.Named("neo4j"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	if err := client.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, errors.Wrap(err, "failed to verify Neo4j connectivity")
	}

	if err := client.createIndexes(ctx); err != nil {
		client.logger.Warn("Failed to create Neo4j indexes", zap.Error(err))
	}

	return client, nil
}

// Close closes the Neo4j driver
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.driver.Close(ctx)
}

// VerifyConnectivity verifies the connection to Neo4j
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// WriteRun merges the run's clusters, member records and correlation edges
// in one write transaction. Re-writing a run is idempotent.
func (c *Client) WriteRun(ctx context.Context, run *models.Run) error {
	if len(run.Clusters) == 0 {
		return nil
	}
	params := runParams(run, time.Now().UTC())

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.config.Database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for _, query := range []string{mergeClustersQuery, mergeMembersQuery, mergeEdgesQuery} {
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write run %s to graph", run.ID)
	}

	c.logger.Debug("Run written to graph",
		zap.String("run_id", run.ID),
		zap.Int("clusters", len(run.Clusters)))
	return nil
}

// runParams flattens a run into query parameters. Edges reference records by
// identity since member indices are only meaningful within one run.
func runParams(run *models.Run, now time.Time) map[string]interface{} {
	clusters := make([]interface{}, 0, len(run.Clusters))
	members := make([]interface{}, 0)
	edges := make([]interface{}, 0)

	for _, cl := range run.Clusters {
		entry := map[string]interface{}{
			"id":           cl.ID,
			"display_name": cl.DisplayName(),
			"source_ids":   cl.SourceIDs,
			"source_count": cl.SourceCount,
			"match_type":   string(cl.MatchType),
		}
		if a, ok := run.Assessment(cl.ID); ok {
			entry["composite_score"] = a.CompositeScore
			entry["category"] = string(a.Category)
		}
		clusters = append(clusters, entry)

		identities := make(map[int]string, len(cl.Members))
		for _, m := range cl.Members {
			identity := m.Record.Identity()
			identities[m.Index] = identity
			members = append(members, map[string]interface{}{
				"identity":    identity,
				"cluster_id":  cl.ID,
				"source_id":   m.Record.SourceID,
				"external_id": m.Record.ExternalID,
				"raw_name":    m.Record.RawName,
				"key":         m.Key,
			})
		}
		for _, e := range cl.Edges {
			edges = append(edges, map[string]interface{}{
				"from":       identities[e.From],
				"to":         identities[e.To],
				"match_type": string(e.MatchType),
				"confidence": e.Confidence,
				"rule":       e.Rule,
			})
		}
	}

	return map[string]interface{}{
		"run_id":     run.ID,
		"updated_at": now.Format(time.RFC3339),
		"clusters":   clusters,
		"members":    members,
		"edges":      edges,
	}
}

func (c *Client) createIndexes(ctx context.Context) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.config.Database,
	})
	defer session.Close(ctx)

	queries := []string{
		"CREATE CONSTRAINT cluster_id_unique IF NOT EXISTS FOR (c:Cluster) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT record_identity_unique IF NOT EXISTS FOR (r:Record) REQUIRE r.identity IS UNIQUE",
		"CREATE INDEX record_key_index IF NOT EXISTS FOR (r:Record) ON (r.normalized_key)",
		"CREATE INDEX cluster_category_index IF NOT EXISTS FOR (c:Cluster) ON (c.category)",
	}

	for _, query := range queries {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			_, err := tx.Run(ctx, query, nil)
			return nil, err
		})
		if err != nil {
			c.logger.Warn("Failed to execute index creation query", zap.String("query", query), zap.Error(err))
		}
	}

	return nil
}
