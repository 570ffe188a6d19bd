package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Checkpoint is one persisted model state.
type Checkpoint struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Update    int             `json:"update"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	Config    json.RawMessage `json:"config,omitempty"`
	// Payload is the encoded model state. List leaves it empty.
	Payload []byte `json:"-"`
	Digest  string `json:"digest"`
}

// CheckpointName formats the name of the checkpoint taken at an update.
func CheckpointName(update int) string {
	return fmt.Sprintf("%05d", update)
}

// Digest returns the hex blake2b-256 digest of a checkpoint's config and payload.
func Digest(config, payload []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write(config)
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// CheckpointStore saves and loads checkpoints.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a checkpoint store on db.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save persists c, filling in ID, Name, CreatedAt and Digest when unset.
func (s *CheckpointStore) Save(ctx context.Context, c *Checkpoint) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = CheckpointName(c.Update)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if len(c.Config) == 0 {
		c.Config = json.RawMessage("{}")
	}
	c.Digest = Digest(c.Config, c.Payload)

	_, err := s.db.Exec(ctx, `
		INSERT INTO checkpoints (id, run_id, update_num, name, created_at, config, payload, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.Update, c.Name, c.CreatedAt.UnixMilli(),
		string(c.Config), string(c.Payload), c.Digest,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint by ID and verifies its digest.
func (s *CheckpointStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	return s.loadOne(ctx, `
		SELECT id, run_id, update_num, name, created_at, config, payload, digest
		FROM checkpoints WHERE id = ?`, id)
}

// Latest returns the checkpoint with the highest update of a run. An empty
// runID searches every run.
func (s *CheckpointStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	if runID == "" {
		return s.loadOne(ctx, `
			SELECT id, run_id, update_num, name, created_at, config, payload, digest
			FROM checkpoints ORDER BY created_at DESC, update_num DESC LIMIT 1`)
	}
	return s.loadOne(ctx, `
		SELECT id, run_id, update_num, name, created_at, config, payload, digest
		FROM checkpoints WHERE run_id = ? ORDER BY update_num DESC, created_at DESC LIMIT 1`, runID)
}

func (s *CheckpointStore) loadOne(ctx context.Context, query string, args ...interface{}) (*Checkpoint, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		return nil, shared.ErrCheckpointNotFound
	}

	var (
		c               Checkpoint
		createdAt       int64
		config, payload string
	)
	if err := rows.Scan(&c.ID, &c.RunID, &c.Update, &c.Name, &createdAt, &config, &payload, &c.Digest); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.Config = json.RawMessage(config)
	c.Payload = []byte(payload)

	if got := Digest(c.Config, c.Payload); got != c.Digest {
		return nil, fmt.Errorf("checkpoint %s: stored %s, computed %s: %w", c.ID, c.Digest, got, shared.ErrDigestMismatch)
	}
	return &c, nil
}

// List returns the checkpoints of a run ordered by update, without payloads.
// An empty runID lists every run.
func (s *CheckpointStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = s.db.Query(ctx, `
			SELECT id, run_id, update_num, name, created_at, config, digest
			FROM checkpoints ORDER BY created_at, update_num`)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, run_id, update_num, name, created_at, config, digest
			FROM checkpoints WHERE run_id = ? ORDER BY update_num, created_at`, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			c         Checkpoint
			createdAt int64
			config    string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.Update, &c.Name, &createdAt, &config, &c.Digest); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		c.Config = json.RawMessage(config)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return out, nil
}

// Delete removes a checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return shared.ErrCheckpointNotFound
	}
	return nil
}
