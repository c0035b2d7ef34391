package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// PendingSend is a send whose idempotency key has been issued but whose
// command has not resolved yet.
type PendingSend struct {
	ClientMsgID string      `json:"clientMsgId"`
	ChatID      string      `json:"chatId"`
	SenderID    string      `json:"senderId"`
	Content     string      `json:"content"`
	MessageType string      `json:"messageType,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ReplyToID   string      `json:"replyToId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func (p PendingSend) params() SendMessageParams {
	out := SendMessageParams{
		ChatID:      p.ChatID,
		Content:     p.Content,
		MessageType: p.MessageType,
		ReplyToID:   p.ReplyToID,
		ClientMsgID: p.ClientMsgID,
	}
	if p.Attachment != nil {
		out.AttachmentURL = p.Attachment.URL
		out.AttachmentName = p.Attachment.Name
		out.AttachmentSize = p.Attachment.Size
	}
	return out
}

// Journal keeps idempotency keys of in-flight sends so they can be
// resubmitted with the same key after a crash or restart.
type Journal interface {
	Put(ctx context.Context, p PendingSend) error
	Remove(ctx context.Context, clientMsgID string) error
	List(ctx context.Context) ([]PendingSend, error)
	Close() error
}

// ============================================================================
// MemoryJournal
// ============================================================================

// MemoryJournal is a goroutine-safe in-memory Journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	pending map[string]PendingSend
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{pending: make(map[string]PendingSend)}
}

func (j *MemoryJournal) Put(_ context.Context, p PendingSend) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[p.ClientMsgID] = p
	return nil
}

func (j *MemoryJournal) Remove(_ context.Context, clientMsgID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, clientMsgID)
	return nil
}

func (j *MemoryJournal) List(context.Context) ([]PendingSend, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]PendingSend, 0, len(j.pending))
	for _, p := range j.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }

// ============================================================================
// SQLiteJournal
// ============================================================================

// SQLiteJournal persists pending sends in a SQLite database file.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (and if needed creates) the journal at dbPath.
func OpenSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening journal database")
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_sends (
			client_msg_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating pending_sends table")
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Put(ctx context.Context, p PendingSend) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshaling pending send")
	}
	_, err = j.db.ExecContext(ctx, `
		REPLACE INTO pending_sends (client_msg_id, chat_id, created_at, payload)
		VALUES (?, ?, ?, ?)
	`, p.ClientMsgID, p.ChatID, p.CreatedAt.UnixMicro(), string(payload))
	if err != nil {
		return errors.Wrap(err, "writing pending send")
	}
	return nil
}

func (j *SQLiteJournal) Remove(ctx context.Context, clientMsgID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM pending_sends WHERE client_msg_id = ?`, clientMsgID); err != nil {
		return errors.Wrap(err, "deleting pending send")
	}
	return nil
}

func (j *SQLiteJournal) List(ctx context.Context) ([]PendingSend, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT payload FROM pending_sends ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "querying pending sends")
	}
	defer rows.Close()

	var out []PendingSend
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scanning pending send")
		}
		var p PendingSend
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, errors.Wrap(err, "unmarshaling pending send")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating pending sends")
	}
	return out, nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
