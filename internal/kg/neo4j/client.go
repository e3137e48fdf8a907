package neo4j

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/pkg/circuitbreaker"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
	"github.com/Fhyywen/shixun-qiu/pkg/retry"
)

const operationTimeout = 30 * time.Second

// Client writes knowledge base analysis results into a property graph:
//
//	(:KnowledgeBase)-[:CONTAINS]->(:Document)-[:CASE_TYPE]->(:CaseType)
//	                                         -[:IN_REGION]->(:Region)
//	                                         -[:IN_YEAR]->(:Year)
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	log         *zap.Logger
}

// Document is one analyzed file. Empty classification fields produce no edge.
type Document struct {
	Path       string
	Name       string
	Extension  string
	Type       string
	CaseType   string
	Region     string
	Year       string
	Resolution string
	Characters int
}

type CaseTypeCount struct {
	CaseType  string `json:"case_type"`
	Documents int64  `json:"documents"`
}

func NewClient(ctx context.Context, cfg config.Neo4jConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerStateChanged(name, int(to))
		},
		Logger: log,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         log,
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	log.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
		log:         log,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// documentParams flattens docs into the list parameter consumed by the
// UNWIND in exportQuery.
func documentParams(kbPath string, docs []Document) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		name := d.Name
		if name == "" {
			name = filepath.Base(d.Path)
		}
		out = append(out, map[string]any{
			"path":       d.Path,
			"name":       name,
			"extension":  d.Extension,
			"type":       d.Type,
			"case_type":  d.CaseType,
			"region":     d.Region,
			"year":       d.Year,
			"resolution": d.Resolution,
			"characters": int64(d.Characters),
			"kb":         kbPath,
		})
	}
	return out
}

const exportQuery = `
	MERGE (kb:KnowledgeBase {path: $kb})
	SET kb.analyzed_at = timestamp()
	WITH kb
	UNWIND $docs AS doc
	MERGE (d:Document {path: doc.path})
	SET d.name = doc.name,
	    d.extension = doc.extension,
	    d.type = doc.type,
	    d.resolution = doc.resolution,
	    d.characters = doc.characters
	MERGE (kb)-[:CONTAINS]->(d)
	WITH d, doc
	OPTIONAL MATCH (d)-[old:CASE_TYPE|IN_REGION|IN_YEAR]->()
	DELETE old
	WITH DISTINCT d, doc
	FOREACH (_ IN CASE WHEN doc.case_type <> '' THEN [1] ELSE [] END |
		MERGE (t:CaseType {name: doc.case_type})
		MERGE (d)-[:CASE_TYPE]->(t))
	FOREACH (_ IN CASE WHEN doc.region <> '' THEN [1] ELSE [] END |
		MERGE (r:Region {name: doc.region})
		MERGE (d)-[:IN_REGION]->(r))
	FOREACH (_ IN CASE WHEN doc.year <> '' THEN [1] ELSE [] END |
		MERGE (y:Year {value: doc.year})
		MERGE (d)-[:IN_YEAR]->(y))
`

// ExportKnowledgeBase upserts the knowledge base node, its documents and their
// classification edges. Edges from a previous export are replaced.
func (c *Client) ExportKnowledgeBase(ctx context.Context, kbPath string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, exportQuery, map[string]any{
				"kb":   kbPath,
				"docs": documentParams(kbPath, docs),
			})
			if err != nil {
				return nil, err
			}
			return res.Consume(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to export knowledge base: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info("Knowledge base exported to graph",
		zap.String("knowledge_base_path", kbPath),
		zap.Int("documents", len(docs)),
	)
	return nil
}

// CaseTypeCounts returns how many documents of kbPath link to each case type.
func (c *Client) CaseTypeCounts(ctx context.Context, kbPath string) ([]CaseTypeCount, error) {
	var counts []CaseTypeCount

	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		counts = counts[:0]
		query := `
			MATCH (:KnowledgeBase {path: $kb})-[:CONTAINS]->(d:Document)-[:CASE_TYPE]->(t:CaseType)
			RETURN t.name AS case_type, count(d) AS documents
			ORDER BY documents DESC, case_type
		`
		result, err := session.Run(ctx, query, map[string]any{"kb": kbPath})
		if err != nil {
			return fmt.Errorf("failed to count case types: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("case_type")
			n, _ := record.Get("documents")

			caseType, _ := name.(string)
			documents, _ := n.(int64)
			counts = append(counts, CaseTypeCount{CaseType: caseType, Documents: documents})
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
