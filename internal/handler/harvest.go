package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
)

// skosFields maps SPARQL variable names to the field URI and prefixed
// term stored alongside each harvested value.
var skosFields = map[string]struct {
	URI  string
	Term string
}{
	"prefLabel":  {"http://www.w3.org/2004/02/skos/core#prefLabel", "skos:prefLabel"},
	"altLabel":   {"http://www.w3.org/2004/02/skos/core#altLabel", "skos:altLabel"},
	"definition": {"http://www.w3.org/2004/02/skos/core#definition", "skos:definition"},
}

var uriPattern = regexp.MustCompile(`^https?://`)

// HarvestPayload is the metadata carried by a harvest task.
type HarvestPayload struct {
	CollectionURI string `json:"collection_uri"`
}

// HarvestConfig defines configuration for the harvest handler.
type HarvestConfig struct {
	Endpoint     string
	DatabasePath string
	BatchSize    int
	MaxRetries   int
	BaseDelay    time.Duration
}

// HarvestHandler pulls a vocabulary collection from a SPARQL endpoint
// into the terms database, page by page. Existing term fields are
// preserved; revisited terms only get their updated_at bumped.
type HarvestHandler struct {
	logger     *zap.Logger
	config     HarvestConfig
	httpClient *http.Client
	db         *sql.DB
}

// sparqlResponse is the application/sparql-results+json envelope.
type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

// NewHarvestHandler creates a harvest handler.
func NewHarvestHandler(config HarvestConfig, logger *zap.Logger) (*HarvestHandler, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}

	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open terms database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS terms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uri TEXT NOT NULL UNIQUE,
			source_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS term_fields (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			term_id INTEGER NOT NULL REFERENCES terms(id),
			field_uri TEXT NOT NULL,
			field_term TEXT NOT NULL,
			original_value TEXT NOT NULL,
			UNIQUE(term_id, field_uri, original_value)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize terms schema: %w", err)
	}

	return &HarvestHandler{
		logger:     logger.Named("harvest"),
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		db:         db,
	}, nil
}

// Close releases the terms database handle.
func (h *HarvestHandler) Close() error {
	return h.db.Close()
}

// Execute performs the harvest described by the task's metadata.
func (h *HarvestHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload HarvestPayload
	if len(task.Metadata) > 0 {
		if err := json.Unmarshal(task.Metadata, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	// Scheduled tasks carry no metadata; the scheduler's source
	// reference names the collection to harvest.
	if payload.CollectionURI == "" && task.SourceID != nil {
		payload.CollectionURI = *task.SourceID
	}
	if !uriPattern.MatchString(payload.CollectionURI) {
		return nil, fmt.Errorf("invalid collection URI %q: must start with http:// or https://", payload.CollectionURI)
	}

	total, err := h.memberCount(ctx, payload.CollectionURI)
	if err != nil {
		return nil, err
	}
	h.logger.Info("Starting harvest",
		zap.String("collection", payload.CollectionURI),
		zap.Int("members", total))

	sourceID := ""
	if task.SourceID != nil {
		sourceID = *task.SourceID
	}

	var inserted, updated, fields int
	for offset := 0; offset < total; offset += h.config.BatchSize {
		resp, err := h.queryBatch(ctx, payload.CollectionURI, h.config.BatchSize, offset)
		if err != nil {
			return nil, err
		}
		i, u, f, err := h.storeBatch(ctx, resp, sourceID)
		if err != nil {
			return nil, err
		}
		inserted += i
		updated += u
		fields += f
	}

	h.logger.Info("Harvest completed",
		zap.String("collection", payload.CollectionURI),
		zap.Int("terms_inserted", inserted),
		zap.Int("terms_updated", updated),
		zap.Int("fields_inserted", fields))

	summary, _ := json.Marshal(map[string]int{
		"members":         total,
		"terms_inserted":  inserted,
		"terms_updated":   updated,
		"fields_inserted": fields,
	})
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Metadata:    summary,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// memberCount asks the endpoint how many concepts the collection holds,
// driving the batched paging below.
func (h *HarvestHandler) memberCount(ctx context.Context, collectionURI string) (int, error) {
	query := fmt.Sprintf(`
		PREFIX skos: <http://www.w3.org/2004/02/skos/core#>
		SELECT (COUNT(DISTINCT ?concept) AS ?count)
		WHERE { <%s> skos:member ?concept . }`, collectionURI)

	resp, err := h.query(ctx, query)
	if err != nil {
		return 0, err
	}
	if len(resp.Results.Bindings) == 0 {
		return 0, fmt.Errorf("could not retrieve member count from endpoint")
	}
	count, err := strconv.Atoi(resp.Results.Bindings[0]["count"].Value)
	if err != nil {
		return 0, fmt.Errorf("malformed member count: %w", err)
	}
	return count, nil
}

func (h *HarvestHandler) queryBatch(ctx context.Context, collectionURI string, limit, offset int) (*sparqlResponse, error) {
	query := fmt.Sprintf(`
		PREFIX skos: <http://www.w3.org/2004/02/skos/core#>
		SELECT DISTINCT ?concept ?prefLabel ?altLabel ?definition
		WHERE {
			<%s> skos:member ?concept .
			OPTIONAL { ?concept skos:prefLabel ?prefLabel }
			OPTIONAL { ?concept skos:altLabel ?altLabel }
			OPTIONAL { ?concept skos:definition ?definition }
		}
		ORDER BY ?concept
		LIMIT %d OFFSET %d`, collectionURI, limit, offset)

	h.logger.Info("Fetching batch", zap.Int("limit", limit), zap.Int("offset", offset))
	return h.query(ctx, query)
}

// query posts a SPARQL query, retrying transient 502 responses with
// exponential backoff.
func (h *HarvestHandler) query(ctx context.Context, query string) (*sparqlResponse, error) {
	form := url.Values{"query": {query}}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/sparql-results+json")

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sparql query failed: %w", err)
		}

		if resp.StatusCode == http.StatusBadGateway && attempt < h.config.MaxRetries-1 {
			resp.Body.Close()
			delay := h.config.BaseDelay * (1 << attempt)
			h.logger.Warn("502 from endpoint, retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sparql query failed with status %d", resp.StatusCode)
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}

		var parsed sparqlResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse sparql results: %w", err)
		}
		return &parsed, nil
	}
}

// storeBatch upserts one page of bindings. Duplicate field values are
// ignored so existing translations attached to them survive re-harvests.
func (h *HarvestHandler) storeBatch(ctx context.Context, resp *sparqlResponse, sourceID string) (inserted, updated, fields int, err error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[string]int64)
	for _, binding := range resp.Results.Bindings {
		conceptURI := binding["concept"].Value
		if conceptURI == "" {
			continue
		}

		termID, ok := seen[conceptURI]
		if !ok {
			var existing int64
			scanErr := tx.QueryRowContext(ctx, `SELECT id FROM terms WHERE uri = ?`, conceptURI).Scan(&existing)
			switch scanErr {
			case nil:
				if _, err := tx.ExecContext(ctx,
					`UPDATE terms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, existing); err != nil {
					return 0, 0, 0, fmt.Errorf("failed to touch term: %w", err)
				}
				termID = existing
				updated++
			case sql.ErrNoRows:
				result, err := tx.ExecContext(ctx,
					`INSERT INTO terms (uri, source_id) VALUES (?, ?)`, conceptURI, nullString(sourceID))
				if err != nil {
					return 0, 0, 0, fmt.Errorf("failed to insert term: %w", err)
				}
				termID, _ = result.LastInsertId()
				inserted++
			default:
				return 0, 0, 0, fmt.Errorf("failed to look up term: %w", scanErr)
			}
			seen[conceptURI] = termID
		}

		for name, field := range skosFields {
			value := binding[name].Value
			if value == "" {
				continue
			}
			result, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO term_fields (term_id, field_uri, field_term, original_value)
				VALUES (?, ?, ?, ?)`,
				termID, field.URI, field.Term, value)
			if err != nil {
				return 0, 0, 0, fmt.Errorf("failed to insert term field: %w", err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				fields++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, updated, fields, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
