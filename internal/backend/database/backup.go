package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backup writes one JSON file per logical table to the given directory.
// Image blobs are excluded; the backup is a human-readable extract of
// events, users, transactions and statistics only.
func (s *SQLiteDatabase) Backup(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	dumps := []struct {
		file  string
		query string
		scan  func(*sql.Rows) (any, error)
	}{
		{"sort_events.json",
			"SELECT id, timestamp, item_type, confidence, sort_destination, image_id, user_id, metadata FROM sort_events ORDER BY timestamp ASC",
			scanEventDump},
		{"users.json",
			"SELECT id, username, email, token_balance, created_at, last_login, settings FROM users ORDER BY created_at ASC",
			scanUserDump},
		{"token_transactions.json",
			"SELECT id, timestamp, user_id, amount, transaction_type, reference_id, metadata FROM token_transactions ORDER BY timestamp ASC",
			scanTransactionDump},
		{"statistics.json",
			"SELECT date, can_count, recycling_count, garbage_count, total_count, token_rewards, metadata FROM statistics ORDER BY date ASC",
			scanStatisticDump},
	}

	for _, dump := range dumps {
		if err := s.dumpTable(filepath.Join(path, dump.file), dump.query, dump.scan); err != nil {
			return fmt.Errorf("backup %s: %w", dump.file, err)
		}
	}
	return nil
}

func (s *SQLiteDatabase) dumpTable(file, query string, scan func(*sql.Rows) (any, error)) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	records := []any{}
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

func scanEventDump(rows *sql.Rows) (any, error) {
	var record struct {
		ID          string  `json:"id"`
		Timestamp   string  `json:"timestamp"`
		ItemType    string  `json:"item_type"`
		Confidence  float64 `json:"confidence"`
		Destination string  `json:"sort_destination"`
		ImageID     *string `json:"image_id"`
		UserID      *string `json:"user_id"`
		Metadata    *string `json:"metadata"`
	}
	if err := rows.Scan(&record.ID, &record.Timestamp, &record.ItemType, &record.Confidence,
		&record.Destination, &record.ImageID, &record.UserID, &record.Metadata); err != nil {
		return nil, err
	}
	return record, nil
}

func scanUserDump(rows *sql.Rows) (any, error) {
	var record struct {
		ID           string  `json:"id"`
		Username     string  `json:"username"`
		Email        *string `json:"email"`
		TokenBalance float64 `json:"token_balance"`
		CreatedAt    string  `json:"created_at"`
		LastLogin    *string `json:"last_login"`
		Settings     *string `json:"settings"`
	}
	if err := rows.Scan(&record.ID, &record.Username, &record.Email, &record.TokenBalance,
		&record.CreatedAt, &record.LastLogin, &record.Settings); err != nil {
		return nil, err
	}
	return record, nil
}

func scanTransactionDump(rows *sql.Rows) (any, error) {
	var record struct {
		ID          string  `json:"id"`
		Timestamp   string  `json:"timestamp"`
		UserID      string  `json:"user_id"`
		Amount      float64 `json:"amount"`
		Type        string  `json:"transaction_type"`
		ReferenceID *string `json:"reference_id"`
		Metadata    *string `json:"metadata"`
	}
	if err := rows.Scan(&record.ID, &record.Timestamp, &record.UserID, &record.Amount,
		&record.Type, &record.ReferenceID, &record.Metadata); err != nil {
		return nil, err
	}
	return record, nil
}

func scanStatisticDump(rows *sql.Rows) (any, error) {
	var record struct {
		Date           string  `json:"date"`
		CanCount       int     `json:"can_count"`
		RecyclingCount int     `json:"recycling_count"`
		GarbageCount   int     `json:"garbage_count"`
		TotalCount     int     `json:"total_count"`
		TokenRewards   float64 `json:"token_rewards"`
		Metadata       *string `json:"metadata"`
	}
	if err := rows.Scan(&record.Date, &record.CanCount, &record.RecyclingCount,
		&record.GarbageCount, &record.TotalCount, &record.TokenRewards, &record.Metadata); err != nil {
		return nil, err
	}
	return record, nil
}
