// Package credstore implements the §4.2 credential store: the durable
// mapping from account name to password hash, public key, last-seen time,
// message counters, and contact set, plus the active-session and
// login-history views. It is backed by SQLite using the same
// modernc.org/sqlite + WAL-mode DSN pattern as ashureev-shsh-labs's
// internal/store/sqlite.go.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors for the failure modes named in §4.2/§7.
var (
	ErrAlreadyExists  = errors.New("credstore: account already exists")
	ErrNotRegistered  = errors.New("credstore: account not registered")
	ErrUnknownAccount = errors.New("credstore: unknown account")
)

// Account is the durable record backing one registered user (§3).
type Account struct {
	Name         string
	PasswordHash []byte
	PublicKey    string // empty when absent
	LastSeen     time.Time
	Sent         int64
	Received     int64
}

// ActiveSession is a row in the in-memory-mirrored active-session view.
type ActiveSession struct {
	AccountName string
	Addr        string
	Port        int
	LoginTime   time.Time
}

// LoginRecord is one append-only login-history entry.
type LoginRecord struct {
	AccountName string
	Addr        string
	Port        int
	Time        time.Time
}

// Store is the credential store. All mutating calls are serialized by
// writeMu: single-writer semantics are required from the owning server
// process (§5), and SQLite's own WAL locking is not sufficient to make the
// multi-statement operations below (login, delete) atomic across the
// handful of tables they touch without also holding one exclusive
// transaction at a time.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	log     *slog.Logger
}

// Open creates or reopens a Store backed by the SQLite file at path. It
// truncates the active-session view on startup (§4.2: active sessions do
// not survive a restart) and logger defaults to slog.Default() when nil.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("credstore: create data dir: %w", err)
		}
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credstore: open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("credstore: ping database: %w", err)
	}

	s := &Store{db: db, log: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.truncateActiveUsers(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("credstore opened", "path", path)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS All_users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT NOT NULL UNIQUE,
		last_login    DATETIME,
		password_hash BLOB NOT NULL,
		pubkey        TEXT
	);
	CREATE TABLE IF NOT EXISTS Active_users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL UNIQUE REFERENCES All_users(id) ON DELETE CASCADE,
		ip_address TEXT NOT NULL,
		port       INTEGER NOT NULL,
		login_time DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS Login_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES All_users(id) ON DELETE CASCADE,
		ip_address TEXT NOT NULL,
		port       INTEGER NOT NULL,
		date_time  DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS User_contacts (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES All_users(id) ON DELETE CASCADE,
		contact INTEGER NOT NULL REFERENCES All_users(id) ON DELETE CASCADE,
		UNIQUE(user_id, contact)
	);
	CREATE TABLE IF NOT EXISTS User_history (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id  INTEGER NOT NULL UNIQUE REFERENCES All_users(id) ON DELETE CASCADE,
		sent     INTEGER NOT NULL DEFAULT 0,
		accepted INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("credstore: init schema: %w", err)
	}
	return nil
}

func (s *Store) truncateActiveUsers() error {
	if _, err := s.db.Exec(`DELETE FROM Active_users`); err != nil {
		return fmt.Errorf("credstore: truncate Active_users: %w", err)
	}
	return nil
}

func (s *Store) userID(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM All_users WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownAccount
	}
	if err != nil {
		return 0, fmt.Errorf("credstore: lookup %q: %w", name, err)
	}
	return id, nil
}

// Register creates a new account row and a zeroed statistics row. Fails
// with ErrAlreadyExists if name is taken (§4.2).
func (s *Store) Register(ctx context.Context, name string, passwordHash []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO All_users (name, password_hash) VALUES (?, ?)`, name, passwordHash)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("credstore: insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("credstore: last insert id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO User_history (user_id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("credstore: insert stats row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credstore: commit: %w", err)
	}
	s.log.Info("account registered", "account", name)
	return nil
}

// Delete removes name's account, active-session row, login history,
// contact edges in both directions, and statistics (§4.2).
func (s *Store) Delete(ctx context.Context, name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := s.userID(ctx, tx, name)
	if err != nil {
		return err
	}

	stmts := []string{
		`DELETE FROM Active_users WHERE user_id = ?`,
		`DELETE FROM Login_history WHERE user_id = ?`,
		`DELETE FROM User_contacts WHERE user_id = ? OR contact = ?`,
		`DELETE FROM User_history WHERE user_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id, id); err != nil {
			return fmt.Errorf("credstore: delete cascade: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM All_users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("credstore: delete account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credstore: commit: %w", err)
	}
	s.log.Info("account deleted", "account", name)
	return nil
}

// Check reports whether name is a registered account.
func (s *Store) Check(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM All_users WHERE name = ?)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("credstore: check %q: %w", name, err)
	}
	return exists, nil
}

// HashOf returns the stored password hash for name, or ErrUnknownAccount.
func (s *Store) HashOf(ctx context.Context, name string) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM All_users WHERE name = ?`, name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: hash of %q: %w", name, err)
	}
	return hash, nil
}

// PublicKeyOf returns name's stored public key, or "" if absent. The bool
// result distinguishes "registered with no key" from ErrUnknownAccount.
func (s *Store) PublicKeyOf(ctx context.Context, name string) (string, bool, error) {
	var key sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT pubkey FROM All_users WHERE name = ?`, name).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrUnknownAccount
	}
	if err != nil {
		return "", false, fmt.Errorf("credstore: pubkey of %q: %w", name, err)
	}
	return key.String, key.Valid && key.String != "", nil
}

// Login requires the account to exist (else ErrNotRegistered), then
// atomically: updates last-seen, replaces the stored public key if it
// differs, writes an active-session row, and appends a login-history row
// (§4.2, §4.4 step 5).
func (s *Store) Login(ctx context.Context, name, addr string, port int, publicKey string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := s.userID(ctx, tx, name)
	if errors.Is(err, ErrUnknownAccount) {
		return ErrNotRegistered
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	var currentKey sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT pubkey FROM All_users WHERE id = ?`, id).Scan(&currentKey); err != nil {
		return fmt.Errorf("credstore: read current pubkey: %w", err)
	}
	if publicKey != "" && publicKey != currentKey.String {
		if _, err := tx.ExecContext(ctx,
			`UPDATE All_users SET last_login = ?, pubkey = ? WHERE id = ?`, now, publicKey, id); err != nil {
			return fmt.Errorf("credstore: update account on login: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE All_users SET last_login = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("credstore: update account on login: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO Active_users (user_id, ip_address, port, login_time) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET ip_address = excluded.ip_address, port = excluded.port, login_time = excluded.login_time`,
		id, addr, port, now); err != nil {
		return fmt.Errorf("credstore: insert active session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO Login_history (user_id, ip_address, port, date_time) VALUES (?, ?, ?, ?)`,
		id, addr, port, now); err != nil {
		return fmt.Errorf("credstore: insert login history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credstore: commit: %w", err)
	}
	s.log.Info("login recorded", "account", name, "addr", addr, "port", port)
	return nil
}

// Logout removes name's active-session row. Idempotent.
func (s *Store) Logout(ctx context.Context, name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM Active_users WHERE user_id = (SELECT id FROM All_users WHERE name = ?)`, name)
	if err != nil {
		return fmt.Errorf("credstore: logout %q: %w", name, err)
	}
	return nil
}

// CountMessage increments sender.sent and recipient.received. Both accounts
// must exist.
func (s *Store) CountMessage(ctx context.Context, sender, recipient string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	senderID, err := s.userID(ctx, tx, sender)
	if err != nil {
		return err
	}
	recipientID, err := s.userID(ctx, tx, recipient)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE User_history SET sent = sent + 1 WHERE user_id = ?`, senderID); err != nil {
		return fmt.Errorf("credstore: increment sent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE User_history SET accepted = accepted + 1 WHERE user_id = ?`, recipientID); err != nil {
		return fmt.Errorf("credstore: increment accepted: %w", err)
	}
	return tx.Commit()
}

// AddContact adds target to owner's contact set. Idempotent; silently
// no-ops when target is absent or the edge already exists (§4.2).
func (s *Store) AddContact(ctx context.Context, owner, target string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	ownerID, err := s.userID(ctx, tx, owner)
	if err != nil {
		return err
	}
	targetID, err := s.userID(ctx, tx, target)
	if errors.Is(err, ErrUnknownAccount) {
		return tx.Commit() // silently no-op, per §4.2
	}
	if err != nil {
		return err
	}
	if ownerID == targetID {
		return tx.Commit() // no self-contact (§8 invariant)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO User_contacts (user_id, contact) VALUES (?, ?)`, ownerID, targetID); err != nil {
		return fmt.Errorf("credstore: add contact: %w", err)
	}
	return tx.Commit()
}

// RemoveContact removes target from owner's contact set. Idempotent;
// silently no-ops when the edge does not exist.
func (s *Store) RemoveContact(ctx context.Context, owner, target string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	ownerID, err := s.userID(ctx, tx, owner)
	if err != nil {
		return err
	}
	targetID, err := s.userID(ctx, tx, target)
	if errors.Is(err, ErrUnknownAccount) {
		return tx.Commit()
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM User_contacts WHERE user_id = ? AND contact = ?`, ownerID, targetID); err != nil {
		return fmt.Errorf("credstore: remove contact: %w", err)
	}
	return tx.Commit()
}

// AllUsers returns every registered account name.
func (s *Store) AllUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM All_users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("credstore: all users: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

// ActiveUsers returns the current active-session view.
func (s *Store) ActiveUsers(ctx context.Context) ([]ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.name, a.ip_address, a.port, a.login_time
		FROM Active_users a JOIN All_users u ON u.id = a.user_id
		ORDER BY u.name`)
	if err != nil {
		return nil, fmt.Errorf("credstore: active users: %w", err)
	}
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		var a ActiveSession
		if err := rows.Scan(&a.AccountName, &a.Addr, &a.Port, &a.LoginTime); err != nil {
			return nil, fmt.Errorf("credstore: scan active session: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoginHistory returns login records, optionally filtered to one account
// name (pass "" for every account).
func (s *Store) LoginHistory(ctx context.Context, name string) ([]LoginRecord, error) {
	query := `
		SELECT u.name, h.ip_address, h.port, h.date_time
		FROM Login_history h JOIN All_users u ON u.id = h.user_id`
	args := []any{}
	if name != "" {
		query += ` WHERE u.name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY h.date_time`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("credstore: login history: %w", err)
	}
	defer rows.Close()

	var out []LoginRecord
	for rows.Next() {
		var r LoginRecord
		if err := rows.Scan(&r.AccountName, &r.Addr, &r.Port, &r.Time); err != nil {
			return nil, fmt.Errorf("credstore: scan login record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ContactsOf returns name's contact set.
func (s *Store) ContactsOf(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target.name
		FROM User_contacts c
		JOIN All_users owner ON owner.id = c.user_id
		JOIN All_users target ON target.id = c.contact
		WHERE owner.name = ?
		ORDER BY target.name`, name)
	if err != nil {
		return nil, fmt.Errorf("credstore: contacts of %q: %w", name, err)
	}
	defer rows.Close()
	return scanNames(rows)
}

// MessageHistory returns sent/received counters for every account
// (§4.2's message_history view; individual message content is never
// persisted on the server, §3).
func (s *Store) MessageHistory(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.name, u.pubkey, u.last_login, h.sent, h.accepted
		FROM All_users u LEFT JOIN User_history h ON h.user_id = u.id
		ORDER BY u.name`)
	if err != nil {
		return nil, fmt.Errorf("credstore: message history: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a        Account
			pubkey   sql.NullString
			lastSeen sql.NullTime
			sent     sql.NullInt64
			accepted sql.NullInt64
		)
		if err := rows.Scan(&a.Name, &pubkey, &lastSeen, &sent, &accepted); err != nil {
			return nil, fmt.Errorf("credstore: scan message history row: %w", err)
		}
		a.PublicKey = pubkey.String
		a.LastSeen = lastSeen.Time
		a.Sent = sent.Int64
		a.Received = accepted.Int64
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanNames(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("credstore: scan name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
