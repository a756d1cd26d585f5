package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/waste-sorter/internal/backend/imaging"

	_ "modernc.org/sqlite"
)

// Daily statistics rows are keyed by UTC calendar date. The original
// rig mixed local and UTC dates; UTC is the single policy here.
const dateLayout = "2006-01-02"

// TimestampLayout is the stored form of every timestamp column. The
// fractional part is fixed-width so that lexicographic comparison in
// SQL (ORDER BY, watermark WHERE clauses) matches time order;
// RFC3339Nano would trim trailing zeros and break that.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
	thumbnailSize    int
	now              func() time.Time
}

func NewSQLiteDatabase(connectionString string, thumbnailSize int) (DatabaseService, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}
	// The store is single-writer; one connection keeps :memory:
	// databases coherent and serializes all writes.
	db.SetMaxOpenConns(1)

	if thumbnailSize <= 0 {
		thumbnailSize = imaging.DefaultThumbnailSize
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
		thumbnailSize:    thumbnailSize,
		now:              time.Now,
	}, nil
}

func (s *SQLiteDatabase) CreateDatabase() (*sql.DB, error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sort_events (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			item_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			sort_destination TEXT NOT NULL,
			image_id TEXT,
			user_id TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			image_data BLOB NOT NULL,
			thumbnail BLOB,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT,
			token_balance REAL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_login TEXT,
			settings TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS token_transactions (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			user_id TEXT NOT NULL,
			amount REAL NOT NULL,
			transaction_type TEXT NOT NULL,
			reference_id TEXT,
			metadata TEXT,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			date TEXT PRIMARY KEY,
			can_count INTEGER DEFAULT 0,
			recycling_count INTEGER DEFAULT 0,
			garbage_count INTEGER DEFAULT 0,
			total_count INTEGER DEFAULT 0,
			token_rewards REAL DEFAULT 0,
			metadata TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s.db, nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist() bool {
	// In SQLite, the database file is created when you connect to it.
	// So we can assume it exists if we can successfully ping the database.
	err := s.db.Ping()
	return err == nil
}

func (s *SQLiteDatabase) timestamp() string {
	return s.now().UTC().Format(TimestampLayout)
}

func (s *SQLiteDatabase) today() string {
	return s.now().UTC().Format(dateLayout)
}

// Sort event operations

func (s *SQLiteDatabase) RecordEvent(params EventParams) (string, error) {
	if params.Confidence < 0 || params.Confidence > 1 {
		return "", fmt.Errorf("record event: confidence %v out of range [0,1]: %w", params.Confidence, ErrValidation)
	}
	destination := Destination(strings.ToLower(strings.TrimSpace(params.Destination)))
	if destination != DestinationRecycling && destination != DestinationGarbage {
		return "", fmt.Errorf("record event: unknown destination %q: %w", params.Destination, ErrValidation)
	}
	category := strings.ToLower(strings.TrimSpace(params.Category))

	metadataText, err := encodeMetadata(params.Metadata)
	if err != nil {
		return "", fmt.Errorf("record event: %w", err)
	}

	eventID, err := generateID()
	if err != nil {
		return "", fmt.Errorf("record event: %w", err)
	}

	// Derive the thumbnail before any write so that a bad frame cannot
	// leave a half-written event behind.
	var thumbnail []byte
	if params.Image != nil {
		thumbnail, err = imaging.Thumbnail(params.Image, s.thumbnailSize)
		if err != nil {
			return "", fmt.Errorf("record event: %w", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("record event: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var imageID sql.NullString
	if params.Image != nil {
		imageMeta, err := encodeMetadata(Metadata{"source": "sort_event", "event_id": eventID})
		if err != nil {
			return "", fmt.Errorf("record event: %w", err)
		}
		id, err := generateID()
		if err != nil {
			return "", fmt.Errorf("record event: %w", err)
		}
		_, err = tx.Exec(
			"INSERT INTO images (id, timestamp, image_data, thumbnail, metadata) VALUES (?, ?, ?, ?, ?)",
			id, s.timestamp(), params.Image, thumbnail, imageMeta)
		if err != nil {
			return "", fmt.Errorf("record event: store image: %w", err)
		}
		imageID = sql.NullString{String: id, Valid: true}
	}

	if err := upsertDailyCounterTx(tx, s.today(), category); err != nil {
		return "", fmt.Errorf("record event: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO sort_events (id, timestamp, item_type, confidence, sort_destination, image_id, user_id, metadata) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		eventID, s.timestamp(), category, params.Confidence, string(destination),
		imageID, nullString(params.UserID), metadataText)
	if err != nil {
		return "", fmt.Errorf("record event: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("record event: commit: %w", err)
	}
	return eventID, nil
}

const eventColumns = "id, timestamp, item_type, confidence, sort_destination, image_id, user_id, metadata"

func (s *SQLiteDatabase) GetEvent(id string) (*SortEvent, error) {
	row := s.db.QueryRow("SELECT "+eventColumns+" FROM sort_events WHERE id = ?", id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get event %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %q: %w", id, err)
	}
	return event, nil
}

func (s *SQLiteDatabase) GetRecentEvents(limit int) ([]*SortEvent, error) {
	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM sort_events ORDER BY timestamp DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	return collectEvents(rows)
}

func (s *SQLiteDatabase) GetEventsAfter(timestamp string, limit int) ([]*SortEvent, error) {
	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM sort_events WHERE timestamp > ? ORDER BY timestamp ASC LIMIT ?",
		timestamp, limit)
	if err != nil {
		return nil, fmt.Errorf("get events after %q: %w", timestamp, err)
	}
	return collectEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*SortEvent, error) {
	var event SortEvent
	var ts string
	var imageID, userID, metadata sql.NullString
	if err := row.Scan(&event.ID, &ts, &event.Category, &event.Confidence,
		&event.Destination, &imageID, &userID, &metadata); err != nil {
		return nil, err
	}
	event.Timestamp = parseTimestamp(ts)
	event.ImageID = imageID.String
	event.UserID = userID.String
	event.Metadata, event.RawMetadata = decodeMetadata(metadata)
	return &event, nil
}

func collectEvents(rows *sql.Rows) ([]*SortEvent, error) {
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	var events []*SortEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Image operations

func (s *SQLiteDatabase) StoreImage(data []byte, metadata Metadata) (string, error) {
	thumbnail, err := imaging.Thumbnail(data, s.thumbnailSize)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	metadataText, err := encodeMetadata(metadata)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO images (id, timestamp, image_data, thumbnail, metadata) VALUES (?, ?, ?, ?, ?)",
		id, s.timestamp(), data, thumbnail, metadataText)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) GetImage(id string) ([]byte, error) {
	row := s.db.QueryRow("SELECT image_data FROM images WHERE id = ?", id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get image %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get image %q: %w", id, err)
	}
	return data, nil
}

func (s *SQLiteDatabase) GetThumbnail(id string) ([]byte, error) {
	row := s.db.QueryRow("SELECT thumbnail FROM images WHERE id = ?", id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get thumbnail %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get thumbnail %q: %w", id, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("get thumbnail %q: %w", id, ErrNotFound)
	}
	return data, nil
}

// Statistics operations

// upsertDailyCounterTx creates the day's row with zeroed counters if
// absent and increments the matching counter plus total_count. An
// unrecognized category leaves the row untouched.
func upsertDailyCounterTx(tx *sql.Tx, date string, category string) error {
	if _, err := tx.Exec(
		"INSERT INTO statistics (date) VALUES (?) ON CONFLICT(date) DO NOTHING", date); err != nil {
		return fmt.Errorf("upsert statistics row %q: %w", date, err)
	}

	column := counterColumn(category)
	if column == "" {
		// Unrecognized categories are an explicit no-op, not an error.
		return nil
	}
	_, err := tx.Exec(
		"UPDATE statistics SET "+column+" = "+column+" + 1, total_count = total_count + 1 WHERE date = ?",
		date)
	if err != nil {
		return fmt.Errorf("increment %s for %q: %w", column, date, err)
	}
	return nil
}

func (s *SQLiteDatabase) UpsertDailyCounter(date string, category string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert daily counter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertDailyCounterTx(tx, date, strings.ToLower(strings.TrimSpace(category))); err != nil {
		return fmt.Errorf("upsert daily counter: %w", err)
	}
	return tx.Commit()
}

// GetDailyStatistics returns up to days rows, oldest first. A negative
// days returns the full table (SQLite treats LIMIT -1 as unlimited).
func (s *SQLiteDatabase) GetDailyStatistics(days int) ([]*DailyStatistic, error) {
	// Fetch the most recent rows, then return them oldest first.
	rows, err := s.db.Query(
		"SELECT date, can_count, recycling_count, garbage_count, total_count, token_rewards, metadata "+
			"FROM statistics ORDER BY date DESC LIMIT ?", days)
	if err != nil {
		return nil, fmt.Errorf("get daily statistics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var stats []*DailyStatistic
	for rows.Next() {
		var stat DailyStatistic
		var metadata sql.NullString
		if err := rows.Scan(&stat.Date, &stat.CanCount, &stat.RecyclingCount,
			&stat.GarbageCount, &stat.TotalCount, &stat.TokenRewards, &metadata); err != nil {
			return nil, fmt.Errorf("get daily statistics: %w", err)
		}
		stat.Metadata, stat.RawMetadata = decodeMetadata(metadata)
		stats = append(stats, &stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get daily statistics: %w", err)
	}
	for i, j := 0, len(stats)-1; i < j; i, j = i+1, j-1 {
		stats[i], stats[j] = stats[j], stats[i]
	}
	return stats, nil
}

func (s *SQLiteDatabase) GetTotalStatistics() (*TotalStatistics, error) {
	row := s.db.QueryRow(`SELECT
		COALESCE(SUM(can_count), 0),
		COALESCE(SUM(recycling_count), 0),
		COALESCE(SUM(garbage_count), 0),
		COALESCE(SUM(total_count), 0),
		COALESCE(SUM(token_rewards), 0)
		FROM statistics`)

	var totals TotalStatistics
	if err := row.Scan(&totals.TotalCans, &totals.TotalRecycling, &totals.TotalGarbage,
		&totals.GrandTotal, &totals.TotalRewards); err != nil {
		return nil, fmt.Errorf("get total statistics: %w", err)
	}
	return &totals, nil
}

// User operations

func (s *SQLiteDatabase) CreateUser(username, email string, settings Metadata) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("create user: empty username: %w", ErrValidation)
	}
	settingsText, err := encodeMetadata(settings)
	if err != nil {
		return "", fmt.Errorf("create user %q: %w", username, err)
	}

	// Check-then-insert; safe under the single-writer model. The unique
	// constraint on username still backstops a concurrent writer.
	var existing string
	err = s.db.QueryRow("SELECT id FROM users WHERE username = ?", username).Scan(&existing)
	if err == nil {
		return "", fmt.Errorf("create user %q: %w", username, ErrAlreadyExists)
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("create user %q: %w", username, err)
	}

	id := userID(username)
	_, err = s.db.Exec(
		"INSERT INTO users (id, username, email, created_at, settings) VALUES (?, ?, ?, ?, ?)",
		id, username, nullString(email), s.timestamp(), settingsText)
	if err != nil {
		return "", fmt.Errorf("create user %q: %w", username, err)
	}
	return id, nil
}

const userColumns = "id, username, email, token_balance, created_at, last_login, settings"

func (s *SQLiteDatabase) GetUserByName(username string) (*User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE username = ?", username)
	return scanUser(row, username)
}

func (s *SQLiteDatabase) GetUserByID(id string) (*User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row, id)
}

func scanUser(row rowScanner, key string) (*User, error) {
	var user User
	var email, lastLogin, settings sql.NullString
	var createdAt string
	if err := row.Scan(&user.ID, &user.Username, &email, &user.TokenBalance,
		&createdAt, &lastLogin, &settings); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get user %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get user %q: %w", key, err)
	}
	user.Email = email.String
	user.CreatedAt = parseTimestamp(createdAt)
	if lastLogin.Valid {
		t := parseTimestamp(lastLogin.String)
		user.LastLogin = &t
	}
	user.Settings, user.RawSettings = decodeMetadata(settings)
	return &user, nil
}

func (s *SQLiteDatabase) UpdateUserLogin(username string) error {
	result, err := s.db.Exec(
		"UPDATE users SET last_login = ? WHERE username = ?", s.timestamp(), username)
	if err != nil {
		return fmt.Errorf("update login for %q: %w", username, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update login for %q: %w", username, err)
	}
	if affected == 0 {
		return fmt.Errorf("update login for %q: %w", username, ErrNotFound)
	}
	return nil
}

// Token ledger operations

func (s *SQLiteDatabase) RecordTokenTransaction(userID string, amount float64, transactionType string, referenceID string, metadata Metadata) (string, error) {
	metadataText, err := encodeMetadata(metadata)
	if err != nil {
		return "", fmt.Errorf("record token transaction: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("record token transaction: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("record token transaction: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists string
	if err := tx.QueryRow("SELECT id FROM users WHERE id = ?", userID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("record token transaction: user %q: %w", userID, ErrNotFound)
		}
		return "", fmt.Errorf("record token transaction: user %q: %w", userID, err)
	}

	_, err = tx.Exec(
		"INSERT INTO token_transactions (id, timestamp, user_id, amount, transaction_type, reference_id, metadata) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, s.timestamp(), userID, amount, transactionType, nullString(referenceID), metadataText)
	if err != nil {
		return "", fmt.Errorf("record token transaction: insert: %w", err)
	}

	_, err = tx.Exec("UPDATE users SET token_balance = token_balance + ? WHERE id = ?", amount, userID)
	if err != nil {
		return "", fmt.Errorf("record token transaction: balance: %w", err)
	}

	// Today's statistics row may not exist yet when the first activity
	// of the day is a token award rather than a sort.
	today := s.today()
	if _, err = tx.Exec("INSERT INTO statistics (date) VALUES (?) ON CONFLICT(date) DO NOTHING", today); err != nil {
		return "", fmt.Errorf("record token transaction: statistics: %w", err)
	}
	if _, err = tx.Exec("UPDATE statistics SET token_rewards = token_rewards + ? WHERE date = ?", amount, today); err != nil {
		return "", fmt.Errorf("record token transaction: statistics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("record token transaction: commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) GetUserTransactions(userID string, limit int) ([]*TokenTransaction, error) {
	rows, err := s.db.Query(
		"SELECT id, timestamp, user_id, amount, transaction_type, reference_id, metadata "+
			"FROM token_transactions WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get transactions for %q: %w", userID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var transactions []*TokenTransaction
	for rows.Next() {
		var txn TokenTransaction
		var ts string
		var referenceID, metadata sql.NullString
		if err := rows.Scan(&txn.ID, &ts, &txn.UserID, &txn.Amount, &txn.Type,
			&referenceID, &metadata); err != nil {
			return nil, fmt.Errorf("get transactions for %q: %w", userID, err)
		}
		txn.Timestamp = parseTimestamp(ts)
		txn.ReferenceID = referenceID.String
		txn.Metadata, txn.RawMetadata = decodeMetadata(metadata)
		transactions = append(transactions, &txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get transactions for %q: %w", userID, err)
	}
	return transactions, nil
}

func (s *SQLiteDatabase) GetUserBalance(userID string) (float64, error) {
	// The user row is authoritative; the ledger is not re-summed on read.
	var balance float64
	err := s.db.QueryRow("SELECT token_balance FROM users WHERE id = ?", userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("get balance for %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get balance for %q: %w", userID, err)
	}
	return balance, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
