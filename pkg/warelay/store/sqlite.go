// Package store – sqlite.go implements Store on a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// SQLiteStore persists subsystem state in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			name       TEXT PRIMARY KEY,
			id         TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			state      TEXT NOT NULL DEFAULT '',
			last_seen  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_instances_user ON instances(user_id);

		CREATE TABLE IF NOT EXISTS active_instances (
			user_id TEXT PRIMARY KEY,
			name    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			instance_name TEXT NOT NULL,
			remote_id     TEXT NOT NULL,
			escalated     INTEGER NOT NULL DEFAULT 0,
			unresolved    INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_remote
			ON conversations(user_id, remote_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_instance
			ON conversations(instance_name);
	`)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// ---------- instances ----------

func (s *SQLiteStore) PutInstance(ctx context.Context, inst *Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO instances (name, id, user_id, state, last_seen)
		VALUES (?, ?, ?, ?, ?)`,
		inst.Name, inst.ID, inst.UserID, inst.State, formatTime(inst.LastSeen))
	if err != nil {
		return fmt.Errorf("put instance %q: %w", inst.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, name string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, id, user_id, state, last_seen FROM instances WHERE name = ?`, name)
	return scanInstance(row)
}

func (s *SQLiteStore) GetUserInstances(ctx context.Context, userID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, id, user_id, state, last_seen
		FROM instances WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("get instances for user %q: %w", userID, err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AllInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, id, user_id, state, last_seen
		FROM instances ORDER BY user_id, name`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete instance %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) SetInstanceState(ctx context.Context, name, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state = ? WHERE name = ?`, state, name)
	if err != nil {
		return fmt.Errorf("set state for %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) TouchInstanceSeen(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET last_seen = ? WHERE name = ?`, formatTime(at), name)
	if err != nil {
		return fmt.Errorf("touch instance %q: %w", name, err)
	}
	return nil
}

// ---------- active pointer ----------

func (s *SQLiteStore) GetActiveInstance(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM active_instances WHERE user_id = ?`, userID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active instance for %q: %w", userID, err)
	}
	return name, nil
}

func (s *SQLiteStore) SetActiveInstance(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO active_instances (user_id, name) VALUES (?, ?)`,
		userID, name)
	if err != nil {
		return fmt.Errorf("set active instance for %q: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) ClearActiveInstance(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_instances WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear active instance for %q: %w", userID, err)
	}
	return nil
}

// ---------- conversations ----------

func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations
			(id, user_id, instance_name, remote_id, escalated, unresolved)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.InstanceName, conv.RemoteID,
		boolToInt(conv.Escalated), boolToInt(conv.Unresolved))
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversationByRemote(ctx context.Context, userID, remoteID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, instance_name, remote_id, escalated, unresolved
		FROM conversations WHERE user_id = ? AND remote_id = ?`, userID, remoteID)
	return scanConversation(row)
}

func (s *SQLiteStore) GetConversationsByInstance(ctx context.Context, instanceName string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, instance_name, remote_id, escalated, unresolved
		FROM conversations WHERE instance_name = ?`, instanceName)
	if err != nil {
		return nil, fmt.Errorf("get conversations for %q: %w", instanceName, err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MigrateConversationInstance(ctx context.Context, conversationID, toInstance string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET instance_name = ?, unresolved = 0 WHERE id = ?`,
		toInstance, conversationID)
	if err != nil {
		return fmt.Errorf("migrate conversation %q: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkConversationUnresolved(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET unresolved = 1 WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("mark conversation %q unresolved: %w", conversationID, err)
	}
	return nil
}

// ---------- helpers ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst     Instance
		lastSeen string
	)
	err := row.Scan(&inst.Name, &inst.ID, &inst.UserID, &inst.State, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.LastSeen = parseTime(lastSeen)
	return &inst, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                  Conversation
		escalated, unresolved int
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.InstanceName, &conv.RemoteID,
		&escalated, &unresolved)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.Escalated = escalated != 0
	conv.Unresolved = unresolved != 0
	return &conv, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
