// Package searchindex accelerates ConversationStore.Search with a
// non-authoritative SQLite table. The JSON files under conversations/
// remain the only durable source of truth; this index is rebuilt from
// them on Upsert/Delete calls and is never consulted by Flush.
package searchindex

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/domain"
)

const timeLayout = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Index is a SQLite-backed accelerator for ConversationStore.Search.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) a single-writer SQLite database at
// path and ensures the conv_search schema exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("searchindex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conv_search (
			project_id   TEXT NOT NULL,
			conv_id      TEXT NOT NULL,
			message_idx  INTEGER NOT NULL,
			message_type TEXT NOT NULL,
			content      TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			label        TEXT,
			PRIMARY KEY (conv_id, message_idx)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchindex: create schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS conv_search_project ON conv_search(project_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchindex: create index: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Upsert replaces every indexed row for conv.ID with its current
// message set.
func (idx *Index) Upsert(conv domain.Conversation) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("searchindex: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conv_search WHERE conv_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("searchindex: clear %s: %w", conv.ID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO conv_search (project_id, conv_id, message_idx, message_type, content, created_at, label)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("searchindex: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range conv.Messages {
		text := textOf(msg)
		if text == "" {
			continue
		}
		if _, err := stmt.Exec(conv.ProjectID, conv.ID, i, string(msg.Type), text, msg.Timestamp.Format(timeLayout), conv.Label); err != nil {
			return fmt.Errorf("searchindex: insert %s[%d]: %w", conv.ID, i, err)
		}
	}
	return tx.Commit()
}

// Delete removes every indexed row for convID.
func (idx *Index) Delete(projectID, convID string) error {
	_, err := idx.db.Exec(`DELETE FROM conv_search WHERE project_id = ? AND conv_id = ?`, projectID, convID)
	if err != nil {
		return fmt.Errorf("searchindex: delete %s: %w", convID, err)
	}
	return nil
}

// Search returns up to limit case-insensitive substring matches for
// query within projectID, ordered by created_at descending.
func (idx *Index) Search(projectID, query string, limit int) ([]domain.SearchResult, error) {
	rows, err := idx.db.Query(`
		SELECT conv_id, message_type, content, created_at, label
		FROM conv_search
		WHERE project_id = ? AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT ?
	`, projectID, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("searchindex: query: %w", err)
	}
	defer rows.Close()

	var out []domain.SearchResult
	for rows.Next() {
		var (
			convID, msgType, content, createdAt string
			label                               sql.NullString
		)
		if err := rows.Scan(&convID, &msgType, &content, &createdAt, &label); err != nil {
			return nil, fmt.Errorf("searchindex: scan: %w", err)
		}
		ts, _ := parseTime(createdAt)
		out = append(out, domain.SearchResult{
			ConversationID: convID,
			MessageType:    domain.MessageType(msgType),
			Snippet:        snippetAround(content, query),
			CreatedAt:      ts,
			Label:          label.String,
		})
	}
	return out, rows.Err()
}

func likePattern(query string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	return "%" + escaped + "%"
}

func textOf(msg domain.Message) string {
	switch msg.Type {
	case domain.MessageUser, domain.MessageAssistant, domain.MessageSystem:
		return msg.Content
	case domain.MessageCompaction:
		if msg.Compaction != nil {
			return msg.Compaction.Summary
		}
	case domain.MessageQuestion:
		if msg.Question != nil {
			return msg.Question.Question
		}
	}
	return ""
}

func snippetAround(content, query string) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		return content
	}
	const ctx = 100
	start := idx - ctx
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + ctx
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}
