package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys so account deletion cascades.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// persistErr wraps a write failure in the PersistenceError the sync
// engine keys its watermark decision on.
func persistErr(op string, err error) error {
	return &mailbox.PersistenceError{Op: op, Err: err}
}

// UpsertAccount inserts or replaces an account record.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, a model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, host, port, tls, username, auth_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			tls = excluded.tls,
			username = excluded.username,
			auth_kind = excluded.auth_kind,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Host, a.Port, boolToInt(a.TLS),
		a.Username, string(a.Auth), a.CreatedAt.UTC(), now,
	)
	if err != nil {
		return persistErr(fmt.Sprintf("upserting account %s", a.ID), err)
	}

	return nil
}

// GetAccounts retrieves all account records ordered by name.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// GetAccountByID retrieves a single account by its ID.
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM accounts WHERE id = ?", id)

	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}

	return &a, nil
}

// DeleteAccount removes an account; folders and messages cascade.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return persistErr(fmt.Sprintf("deleting account %s", id), err)
	}
	return nil
}

// EnsureFolder returns the cached folder record for (accountID, name),
// creating an empty one if it does not exist yet.
func (s *SQLiteStore) EnsureFolder(ctx context.Context, accountID, name string) (*model.Folder, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM folders WHERE account_id = ? AND name = ?", accountID, name,
	)

	f, err := scanFolder(row)
	if err == nil {
		return &f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting folder %s/%s: %w", accountID, name, err)
	}

	f = model.Folder{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Name:      name,
		Delimiter: "/",
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO folders (id, account_id, name) VALUES (?, ?, ?)",
		f.ID, f.AccountID, f.Name,
	)
	if err != nil {
		return nil, persistErr(fmt.Sprintf("creating folder %s/%s", accountID, name), err)
	}

	return &f, nil
}

// GetFolders retrieves all cached folders for an account ordered by name.
func (s *SQLiteStore) GetFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY name", accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// GetMessages retrieves a folder's messages ordered by UID ascending.
func (s *SQLiteStore) GetMessages(ctx context.Context, folderID string, includeRemoved bool) ([]model.Message, error) {
	query := "SELECT * FROM messages WHERE folder_id = ?"
	if !includeRemoved {
		query += " AND removed = 0"
	}
	query += " ORDER BY uid ASC"

	rows, err := s.db.QueryxContext(ctx, query, folderID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetMessagesInRange retrieves messages with fromUID <= UID <= toUID
// ordered by UID ascending. A zero toUID means no upper bound.
func (s *SQLiteStore) GetMessagesInRange(ctx context.Context, folderID string, fromUID, toUID uint32) ([]model.Message, error) {
	query := "SELECT * FROM messages WHERE folder_id = ? AND uid >= ?"
	args := []interface{}{folderID, fromUID}
	if toUID > 0 {
		query += " AND uid <= ?"
		args = append(args, toUID)
	}
	query += " ORDER BY uid ASC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message range: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetMessage retrieves a single message by folder and UID.
func (s *SQLiteStore) GetMessage(ctx context.Context, folderID string, uid uint32) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM messages WHERE folder_id = ? AND uid = ?", folderID, uid,
	)

	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("getting message %s/%d: %w", folderID, uid, err)
	}

	return &m, nil
}

// UpsertMessage inserts or updates a single message record. Cached body
// content survives a metadata-only upsert.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, m *model.Message) error {
	if m.FetchedAt.IsZero() {
		m.FetchedAt = time.Now().UTC()
	}

	stmt, err := s.db.PreparexContext(ctx, upsertMessageQuery)
	if err != nil {
		return persistErr("preparing message upsert", err)
	}
	defer stmt.Close()

	if err := execUpsertMessage(ctx, stmt, m); err != nil {
		return persistErr(fmt.Sprintf("upserting message %s/%d", m.FolderID, m.UID), err)
	}

	return nil
}

// SetMessageBody stores lazily fetched body content for a message.
func (s *SQLiteStore) SetMessageBody(ctx context.Context, folderID string, uid uint32, textBody, htmlBody string, structure *model.BodyPart) error {
	structureJSON := ""
	if structure != nil {
		b, err := json.Marshal(structure)
		if err != nil {
			return persistErr("marshaling body structure", err)
		}
		structureJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET text_body = ?, html_body = ?,
			structure = CASE WHEN ? != '' THEN ? ELSE structure END
		WHERE folder_id = ? AND uid = ?`,
		textBody, htmlBody, structureJSON, structureJSON, folderID, uid,
	)
	if err != nil {
		return persistErr(fmt.Sprintf("storing body %s/%d", folderID, uid), err)
	}

	return nil
}

// ApplySync applies a completed sync pass as a single transaction:
// message upserts, flag updates, removal marks, mutation clears,
// notices, and the folder watermark all commit together or not at all.
func (s *SQLiteStore) ApplySync(ctx context.Context, apply SyncApply) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistErr("beginning sync transaction", err)
	}
	defer tx.Rollback()

	if apply.ClearFirst {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE folder_id = ?", apply.FolderID,
		); err != nil {
			return persistErr("clearing folder messages", err)
		}
	}

	if len(apply.Upserts) > 0 {
		stmt, err := tx.PreparexContext(ctx, upsertMessageQuery)
		if err != nil {
			return persistErr("preparing sync upsert", err)
		}
		defer stmt.Close()

		for i := range apply.Upserts {
			m := &apply.Upserts[i]
			m.FolderID = apply.FolderID
			if m.FetchedAt.IsZero() {
				m.FetchedAt = apply.LastSyncAt
			}
			if err := execUpsertMessage(ctx, stmt, m); err != nil {
				return persistErr(fmt.Sprintf("upserting message %s/%d", m.FolderID, m.UID), err)
			}
		}
	}

	for _, fu := range apply.FlagUpdates {
		flags, err := json.Marshal(fu.Flags)
		if err != nil {
			return persistErr("marshaling flags", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET flags = ?, fetched_at = ? WHERE folder_id = ? AND uid = ?",
			string(flags), apply.LastSyncAt.UTC(), apply.FolderID, fu.UID,
		); err != nil {
			return persistErr(fmt.Sprintf("updating flags %s/%d", apply.FolderID, fu.UID), err)
		}
	}

	for _, uid := range apply.RemovedUIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET removed = 1 WHERE folder_id = ? AND uid = ?",
			apply.FolderID, uid,
		); err != nil {
			return persistErr(fmt.Sprintf("marking removed %s/%d", apply.FolderID, uid), err)
		}
	}

	for _, id := range apply.ClearMutationIDs {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pending_mutations WHERE id = ?", id,
		); err != nil {
			return persistErr(fmt.Sprintf("clearing mutation %s", id), err)
		}
	}

	for _, n := range apply.Notices {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = apply.LastSyncAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notices (id, account_id, folder_id, uid, message, read, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			n.ID, n.AccountID, n.FolderID, n.UID, n.Message, n.CreatedAt.UTC(),
		); err != nil {
			return persistErr("creating notice", err)
		}
	}

	flags, err := json.Marshal(apply.Flags)
	if err != nil {
		return persistErr("marshaling folder flags", err)
	}
	permFlags, err := json.Marshal(apply.PermanentFlags)
	if err != nil {
		return persistErr("marshaling permanent flags", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE folders
		SET uid_validity = ?, uid_next = ?, total_count = ?, unseen_count = ?,
			read_only = ?, flags = ?, permanent_flags = ?, last_sync_at = ?
		WHERE id = ?`,
		apply.UIDValidity, apply.UIDNext, apply.TotalCount, apply.UnseenCount,
		boolToInt(apply.ReadOnly), string(flags), string(permFlags),
		apply.LastSyncAt.UTC(), apply.FolderID,
	); err != nil {
		return persistErr("advancing folder watermark", err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("committing sync transaction", err)
	}

	return nil
}

// CreatePendingMutation inserts a new pending mutation record.
func (s *SQLiteStore) CreatePendingMutation(ctx context.Context, m model.PendingMutation) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	flags, err := json.Marshal(m.Flags)
	if err != nil {
		return persistErr("marshaling mutation flags", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (id, folder_id, uid, kind, flags, target_folder, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FolderID, m.UID, string(m.Kind), string(flags),
		m.TargetFolder, m.CreatedAt.UTC(),
	)
	if err != nil {
		return persistErr("creating pending mutation", err)
	}

	return nil
}

// GetPendingMutations retrieves the pending mutations for a folder in
// creation order.
func (s *SQLiteStore) GetPendingMutations(ctx context.Context, folderID string) ([]model.PendingMutation, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM pending_mutations WHERE folder_id = ? ORDER BY created_at", folderID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending mutations: %w", err)
	}
	defer rows.Close()

	var mutations []model.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}

	return mutations, rows.Err()
}

// DeletePendingMutation removes a pending mutation by ID.
func (s *SQLiteStore) DeletePendingMutation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return persistErr(fmt.Sprintf("deleting mutation %s", id), err)
	}
	return nil
}

// CreateNotice inserts a new notice record.
func (s *SQLiteStore) CreateNotice(ctx context.Context, n model.Notice) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notices (id, account_id, folder_id, uid, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AccountID, n.FolderID, n.UID, n.Message,
		boolToInt(n.Read), n.CreatedAt.UTC(),
	)
	if err != nil {
		return persistErr("creating notice", err)
	}

	return nil
}

// GetUnreadNotices retrieves all unread notices for an account, newest
// first.
func (s *SQLiteStore) GetUnreadNotices(ctx context.Context, accountID string) ([]model.Notice, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM notices WHERE account_id = ? AND read = 0 ORDER BY created_at DESC",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread notices: %w", err)
	}
	defer rows.Close()

	var notices []model.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, err
		}
		notices = append(notices, n)
	}

	return notices, rows.Err()
}

// MarkNoticeRead marks a single notice as read.
func (s *SQLiteStore) MarkNoticeRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE notices SET read = 1 WHERE id = ?", id)
	if err != nil {
		return persistErr(fmt.Sprintf("marking notice %s as read", id), err)
	}
	return nil
}

const upsertMessageQuery = `
	INSERT INTO messages (
		folder_id, uid, flags, envelope, structure, size,
		internal_date, text_body, html_body, removed, fetched_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(folder_id, uid) DO UPDATE SET
		flags = excluded.flags,
		envelope = excluded.envelope,
		structure = CASE WHEN excluded.structure != '' THEN excluded.structure ELSE structure END,
		size = excluded.size,
		internal_date = excluded.internal_date,
		text_body = CASE WHEN excluded.text_body != '' THEN excluded.text_body ELSE text_body END,
		html_body = CASE WHEN excluded.html_body != '' THEN excluded.html_body ELSE html_body END,
		removed = excluded.removed,
		fetched_at = excluded.fetched_at`

// execUpsertMessage runs the shared message upsert statement.
func execUpsertMessage(ctx context.Context, stmt *sqlx.Stmt, m *model.Message) error {
	flags, err := json.Marshal(m.Flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	envelope, err := json.Marshal(m.Envelope)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	structure := ""
	if m.Structure != nil {
		b, err := json.Marshal(m.Structure)
		if err != nil {
			return fmt.Errorf("marshaling structure: %w", err)
		}
		structure = string(b)
	}

	_, err = stmt.ExecContext(ctx,
		m.FolderID, m.UID, string(flags), string(envelope), structure, m.Size,
		m.InternalDate.UTC(), m.TextBody, m.HTMLBody, boolToInt(m.Removed),
		m.FetchedAt.UTC(),
	)
	return err
}

// rowScanner is satisfied by both sqlx.Rows and sqlx.Row.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAccount scans an account row.
func scanAccount(r rowScanner) (model.Account, error) {
	var (
		a         model.Account
		tls       int
		authKind  string
		createdAt time.Time
		updatedAt time.Time
	)

	err := r.Scan(
		&a.ID, &a.Name, &a.Host, &a.Port, &tls,
		&a.Username, &authKind, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("scanning account row: %w", err)
	}

	a.TLS = tls != 0
	a.Auth = model.AuthKind(authKind)
	a.CreatedAt = createdAt
	a.UpdatedAt = updatedAt

	return a, nil
}

// scanFolder scans a folder row.
func scanFolder(r rowScanner) (model.Folder, error) {
	var (
		f          model.Folder
		readOnly   int
		flags      string
		permFlags  string
		lastSyncAt time.Time
	)

	err := r.Scan(
		&f.ID, &f.AccountID, &f.Name, &f.Delimiter,
		&f.UIDValidity, &f.UIDNext, &readOnly,
		&flags, &permFlags, &f.TotalCount, &f.UnseenCount, &lastSyncAt,
	)
	if err != nil {
		return model.Folder{}, err
	}

	f.ReadOnly = readOnly != 0
	f.LastSyncAt = lastSyncAt

	if err := json.Unmarshal([]byte(flags), &f.Flags); err != nil {
		return model.Folder{}, fmt.Errorf("unmarshaling folder flags: %w", err)
	}
	if err := json.Unmarshal([]byte(permFlags), &f.PermanentFlags); err != nil {
		return model.Folder{}, fmt.Errorf("unmarshaling permanent flags: %w", err)
	}

	return f, nil
}

// scanMessage scans a message row.
func scanMessage(r rowScanner) (model.Message, error) {
	var (
		m            model.Message
		flags        string
		envelope     string
		structure    string
		internalDate time.Time
		removed      int
		fetchedAt    time.Time
	)

	err := r.Scan(
		&m.FolderID, &m.UID, &flags, &envelope, &structure, &m.Size,
		&internalDate, &m.TextBody, &m.HTMLBody, &removed, &fetchedAt,
	)
	if err != nil {
		return model.Message{}, err
	}

	m.InternalDate = internalDate
	m.Removed = removed != 0
	m.FetchedAt = fetchedAt

	if err := json.Unmarshal([]byte(flags), &m.Flags); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling message flags: %w", err)
	}
	if err := json.Unmarshal([]byte(envelope), &m.Envelope); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if structure != "" {
		if err := json.Unmarshal([]byte(structure), &m.Structure); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling structure: %w", err)
		}
	}

	return m, nil
}

// collectMessages drains a message result set.
func collectMessages(rows *sqlx.Rows) ([]model.Message, error) {
	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// scanMutation scans a pending mutation row.
func scanMutation(r rowScanner) (model.PendingMutation, error) {
	var (
		m         model.PendingMutation
		kind      string
		flags     string
		createdAt time.Time
	)

	err := r.Scan(&m.ID, &m.FolderID, &m.UID, &kind, &flags, &m.TargetFolder, &createdAt)
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("scanning mutation row: %w", err)
	}

	m.Kind = model.MutationKind(kind)
	m.CreatedAt = createdAt

	if err := json.Unmarshal([]byte(flags), &m.Flags); err != nil {
		return model.PendingMutation{}, fmt.Errorf("unmarshaling mutation flags: %w", err)
	}

	return m, nil
}

// scanNotice scans a notice row.
func scanNotice(r rowScanner) (model.Notice, error) {
	var (
		n         model.Notice
		readInt   int
		createdAt time.Time
	)

	err := r.Scan(&n.ID, &n.AccountID, &n.FolderID, &n.UID, &n.Message, &readInt, &createdAt)
	if err != nil {
		return model.Notice{}, fmt.Errorf("scanning notice row: %w", err)
	}

	n.Read = readInt != 0
	n.CreatedAt = createdAt

	return n, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
