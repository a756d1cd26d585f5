package database

import "database/sql"

// DatabaseService is the durable record of sorting activity: the
// append-only event log, blob image storage, derived daily statistics
// and the token ledger. One instance is constructed at process start
// and passed to every collaborator that needs it.
type DatabaseService interface {
	CreateDatabase() (*sql.DB, error)
	DoesDatabaseExist() bool
	Close() error

	// RecordEvent appends a sort event. The optional image, the daily
	// counter upsert and the event insert land in a single transaction.
	RecordEvent(params EventParams) (string, error)
	GetEvent(id string) (*SortEvent, error)
	GetRecentEvents(limit int) ([]*SortEvent, error)

	StoreImage(data []byte, metadata Metadata) (string, error)
	GetImage(id string) ([]byte, error)
	GetThumbnail(id string) ([]byte, error)

	UpsertDailyCounter(date string, category string) error
	GetDailyStatistics(days int) ([]*DailyStatistic, error)
	GetTotalStatistics() (*TotalStatistics, error)
	// GetEventsAfter returns up to limit events strictly newer than the
	// given timestamp, oldest first. Used by the upload job.
	GetEventsAfter(timestamp string, limit int) ([]*SortEvent, error)

	CreateUser(username, email string, settings Metadata) (string, error)
	GetUserByName(username string) (*User, error)
	GetUserByID(id string) (*User, error)
	UpdateUserLogin(username string) error

	// RecordTokenTransaction atomically inserts the transaction, adjusts
	// the user balance and today's token_rewards counter.
	RecordTokenTransaction(userID string, amount float64, transactionType string, referenceID string, metadata Metadata) (string, error)
	GetUserTransactions(userID string, limit int) ([]*TokenTransaction, error)
	GetUserBalance(userID string) (float64, error)

	Backup(path string) error
}
