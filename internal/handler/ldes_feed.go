package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"text/template"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
)

// LDESFeedPayload is the metadata carried by an ldes-feed task.
type LDESFeedPayload struct {
	SourceID string `json:"source_id"`
}

// LDESFeedConfig defines configuration for the LDES feed handler.
type LDESFeedConfig struct {
	DatabasePath string
	DataDir      string
	PrefixURI    string
}

// LDESFeedHandler publishes reviewed translations as Linked Data Event
// Stream fragments. Each run emits at most one new fragment containing
// the translations modified since the newest member of the previous
// fragment, then refreshes latest.ttl.
type LDESFeedHandler struct {
	logger *zap.Logger
	config LDESFeedConfig
	db     *sql.DB
}

var modifiedPattern = regexp.MustCompile(`dcterms:modified "([^"]+)"`)

// fragmentMember is one term's worth of translated values in a fragment.
type fragmentMember struct {
	TermURI  string
	Modified string
	Values   []fragmentValue
}

type fragmentValue struct {
	FieldURI string
	Value    string
	Language string
}

var fragmentTemplate = template.Must(template.New("fragment").Parse(`@prefix ldes: <https://w3id.org/ldes#> .
@prefix tree: <https://w3id.org/tree#> .
@prefix dcterms: <http://purl.org/dc/terms/> .
@prefix xsd: <http://www.w3.org/2001/XMLSchema#> .

<{{.StreamURI}}> a ldes:EventStream ;
    ldes:timestampPath dcterms:modified ;
    tree:view <{{.FragmentURI}}> .

<{{.FragmentURI}}> a tree:Node ;
    tree:relation [
        a tree:GreaterThanRelation ;
        tree:path dcterms:modified ;
        tree:value "{{.NextTime}}"^^xsd:dateTime ;
        tree:node <{{.NextFragmentURI}}>
    ] .
{{range .Members}}
<{{.TermURI}}>
{{- range .Values}}
    <{{.FieldURI}}> "{{.Value}}"{{if .Language}}@{{.Language}}{{end}} ;
{{- end}}
    dcterms:modified "{{.Modified}}"^^xsd:dateTime .
{{end}}`))

// NewLDESFeedHandler creates an LDES feed handler.
func NewLDESFeedHandler(config LDESFeedConfig, logger *zap.Logger) (*LDESFeedHandler, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open translations database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS translations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			term_field_id INTEGER NOT NULL REFERENCES term_fields(id),
			language TEXT NOT NULL,
			value TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			modified_at DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize translations schema: %w", err)
	}
	return &LDESFeedHandler{
		logger: logger.Named("ldes-feed"),
		config: config,
		db:     db,
	}, nil
}

// Close releases the database handle.
func (h *LDESFeedHandler) Close() error {
	return h.db.Close()
}

// Execute creates or updates the LDES feed for the payload's source.
func (h *LDESFeedHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload LDESFeedPayload
	if len(task.Metadata) > 0 {
		if err := json.Unmarshal(task.Metadata, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if payload.SourceID == "" && task.SourceID != nil {
		payload.SourceID = *task.SourceID
	}
	if payload.SourceID == "" {
		return nil, fmt.Errorf("source id is required")
	}

	feedDir := filepath.Join(h.config.DataDir, payload.SourceID)
	watermark := h.latestModified(filepath.Join(feedDir, "latest.ttl"))

	members, newest, err := h.collectMembers(ctx, payload.SourceID, watermark)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		h.logger.Info("No new translations to publish",
			zap.String("source_id", payload.SourceID))
		summary, _ := json.Marshal(map[string]string{"status": "skipped", "message": "no new translations to publish"})
		return &model.TaskResult{
			TaskID:      task.ID,
			Status:      model.TaskStatusCompleted,
			Metadata:    summary,
			CompletedAt: time.Now().UTC(),
		}, nil
	}

	fragment, err := h.writeFragment(feedDir, payload.SourceID, members, newest)
	if err != nil {
		return nil, err
	}

	h.logger.Info("LDES fragment published",
		zap.String("source_id", payload.SourceID),
		zap.String("fragment", fragment),
		zap.Int("members", len(members)))

	summary, _ := json.Marshal(map[string]interface{}{
		"status":   "success",
		"fragment": fragment,
		"members":  len(members),
	})
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Metadata:    summary,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// latestModified scans the previous fragment for its newest
// dcterms:modified literal. A missing or unreadable fragment yields the
// zero time, which publishes everything.
func (h *LDESFeedHandler) latestModified(path string) time.Time {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}
	}

	var latest time.Time
	for _, match := range modifiedPattern.FindAllStringSubmatch(string(data), -1) {
		t, err := parseTimestamp(match[1])
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// parseTimestamp accepts both RFC3339 and sqlite's CURRENT_TIMESTAMP
// format.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", raw)
}

// collectMembers queries reviewed translations newer than the watermark,
// grouped per term, oldest first.
func (h *LDESFeedHandler) collectMembers(ctx context.Context, sourceID string, watermark time.Time) ([]fragmentMember, time.Time, error) {
	query := `
		SELECT tm.uri, t.value, t.language, tf.field_uri,
			COALESCE(t.modified_at, t.created_at) AS modified
		FROM translations t
		JOIN term_fields tf ON t.term_field_id = tf.id
		JOIN terms tm ON tf.term_id = tm.id
		WHERE tm.source_id = ? AND t.status = 'review'`
	args := []interface{}{sourceID}
	if !watermark.IsZero() {
		query += ` AND COALESCE(t.modified_at, t.created_at) > ?`
		args = append(args, watermark.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY modified ASC`

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query translations: %w", err)
	}
	defer rows.Close()

	byTerm := make(map[string]*fragmentMember)
	var order []string
	var newest time.Time
	for rows.Next() {
		var termURI, value, language, fieldURI, modified string
		if err := rows.Scan(&termURI, &value, &language, &fieldURI, &modified); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan translation: %w", err)
		}

		member, ok := byTerm[termURI]
		if !ok {
			member = &fragmentMember{TermURI: termURI, Modified: modified}
			byTerm[termURI] = member
			order = append(order, termURI)
		}
		if modified > member.Modified {
			member.Modified = modified
		}
		member.Values = append(member.Values, fragmentValue{
			FieldURI: fieldURI,
			Value:    value,
			Language: language,
		})

		if t, err := parseTimestamp(modified); err == nil && t.After(newest) {
			newest = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("error during row iteration: %w", err)
	}

	members := make([]fragmentMember, 0, len(order))
	for _, uri := range order {
		members = append(members, *byTerm[uri])
	}
	return members, newest, nil
}

// writeFragment renders the turtle fragment, names it after the newest
// member's epoch second and refreshes latest.ttl with a copy.
func (h *LDESFeedHandler) writeFragment(feedDir, sourceID string, members []fragmentMember, newest time.Time) (string, error) {
	if err := os.MkdirAll(feedDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create feed directory: %w", err)
	}

	if newest.IsZero() {
		newest = time.Now().UTC()
	}
	epoch := newest.Unix()
	fragmentName := strconv.FormatInt(epoch, 10) + ".ttl"
	fragmentPath := filepath.Join(feedDir, fragmentName)

	base := h.config.PrefixURI + "/" + sourceID
	data := struct {
		StreamURI       string
		FragmentURI     string
		NextFragmentURI string
		NextTime        string
		Members         []fragmentMember
	}{
		StreamURI:       base + "/ldes",
		FragmentURI:     base + "/" + fragmentName,
		NextFragmentURI: base + "/" + strconv.FormatInt(epoch+1, 10) + ".ttl",
		NextTime:        newest.Add(time.Second).UTC().Format("2006-01-02T15:04:05Z"),
		Members:         members,
	}

	file, err := os.Create(fragmentPath)
	if err != nil {
		return "", fmt.Errorf("failed to create fragment: %w", err)
	}
	if err := fragmentTemplate.Execute(file, data); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to render fragment: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to write fragment: %w", err)
	}

	rendered, err := os.ReadFile(fragmentPath)
	if err != nil {
		return "", fmt.Errorf("failed to reread fragment: %w", err)
	}
	if err := os.WriteFile(filepath.Join(feedDir, "latest.ttl"), rendered, 0o644); err != nil {
		return "", fmt.Errorf("failed to refresh latest.ttl: %w", err)
	}
	return fragmentPath, nil
}
