package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolcrib-dev/toolcrib/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertUser registers a new credential. A second registration of the same
// credential uid returns ErrDuplicate.
func (s *Store) InsertUser(ctx context.Context, user model.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	perms, err := marshalInts(user.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO users(credential_uid, name, permissions, chat_id, created_at)
VALUES (?, ?, ?, ?, ?)
`, user.CredentialUID, user.Name, perms, user.ChatID, ts(user.CreatedAt))
	if isUniqueErr(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByUID(ctx context.Context, uid string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT credential_uid, name, permissions, chat_id, created_at
FROM users WHERE credential_uid = ?
`, uid)
	return scanUser(row)
}

func (s *Store) GetUserByChatID(ctx context.Context, chatID string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT credential_uid, name, permissions, chat_id, created_at
FROM users WHERE chat_id = ? AND chat_id != ''
`, chatID)
	return scanUser(row)
}

// ListUnlinkedUsers returns users without a messaging identity, for the admin
// linking wizards.
func (s *Store) ListUnlinkedUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT credential_uid, name, permissions, chat_id, created_at
FROM users WHERE chat_id = '' ORDER BY name
`)
	if err != nil {
		return nil, fmt.Errorf("list unlinked users: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) LinkChatID(ctx context.Context, uid, chatID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET chat_id = ? WHERE credential_uid = ?`, chatID, uid)
	if err != nil {
		return fmt.Errorf("link chat id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link chat id affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedTray creates the tray baseline row if it does not exist yet. Existing
// baselines are left untouched: they evolve through AddTrayItems only.
func (s *Store) SeedTray(ctx context.Context, tray int, items []string) error {
	inv, err := marshalStrings(normalize(items))
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO trays(tray_id, expected_inventory, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(tray_id) DO NOTHING
`, tray, inv, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("seed tray %d: %w", tray, err)
	}
	return nil
}

func (s *Store) GetTrayInventory(ctx context.Context, tray int) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT expected_inventory FROM trays WHERE tray_id = ?`, tray).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tray %d inventory: %w", tray, err)
	}
	return unmarshalStrings(raw)
}

// AddTrayItems unions items into the tray baseline. Idempotent: items already
// present are not duplicated.
func (s *Store) AddTrayItems(ctx context.Context, tray int, items []string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add tray items: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT expected_inventory FROM trays WHERE tray_id = ?`, tray).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read tray %d inventory: %w", tray, err)
	}
	current, err := unmarshalStrings(raw)
	if err != nil {
		return err
	}
	merged := normalize(append(current, items...))
	inv, err := marshalStrings(merged)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trays SET expected_inventory = ?, updated_at = ? WHERE tray_id = ?`, inv, ts(time.Now().UTC()), tray); err != nil {
		return fmt.Errorf("update tray %d inventory: %w", tray, err)
	}
	return tx.Commit()
}

func (s *Store) InsertIncident(ctx context.Context, inc model.Incident) error {
	if inc.ReportedAt.IsZero() {
		inc.ReportedAt = time.Now().UTC()
	}
	items, err := marshalStrings(inc.Items)
	if err != nil {
		return fmt.Errorf("encode incident items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO incidents(incident_id, kind, tray_id, items, user_name, credential_uid, reported_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, inc.IncidentID, string(inc.Kind), inc.Tray, items, inc.UserName, inc.CredentialUID, ts(inc.ReportedAt))
	if isUniqueErr(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s *Store) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT incident_id, kind, tray_id, items, user_name, credential_uid, reported_at
FROM incidents ORDER BY reported_at DESC, incident_id LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var incidents []model.Incident
	for rows.Next() {
		var (
			inc      model.Incident
			kind     string
			items    string
			reported string
		)
		if err := rows.Scan(&inc.IncidentID, &kind, &inc.Tray, &items, &inc.UserName, &inc.CredentialUID, &reported); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Kind = model.IncidentKind(kind)
		if inc.Items, err = unmarshalStrings(items); err != nil {
			return nil, err
		}
		if inc.ReportedAt, err = parseTS(reported); err != nil {
			return nil, fmt.Errorf("parse incident time: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		user    model.User
		perms   string
		created string
	)
	err := row.Scan(&user.CredentialUID, &user.Name, &perms, &user.ChatID, &created)
	if err == sql.ErrNoRows {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &user.Permissions); err != nil {
		return model.User{}, fmt.Errorf("decode permissions: %w", err)
	}
	if user.CreatedAt, err = parseTS(created); err != nil {
		return model.User{}, fmt.Errorf("parse user time: %w", err)
	}
	return user, nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	raw, err := json.Marshal(v)
	return string(raw), err
}

func unmarshalStrings(raw string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return v, nil
}

func marshalInts(v []int) (string, error) {
	if v == nil {
		v = []int{}
	}
	raw, err := json.Marshal(v)
	return string(raw), err
}

// normalize dedupes and sorts an item list for stable storage.
func normalize(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
