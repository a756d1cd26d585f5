package database

import "time"

// Category classifies a sorted item. Values outside the three known
// categories are stored as-is but never counted in daily statistics.
type Category string

const (
	CategoryCan       Category = "can"
	CategoryRecycling Category = "recycling"
	CategoryGarbage   Category = "garbage"
)

// Destination is the physical bin an item was routed to.
type Destination string

const (
	DestinationRecycling Destination = "recycling"
	DestinationGarbage   Destination = "garbage"
)

// Transaction types for the token ledger.
const (
	TransactionAward  = "award"
	TransactionRedeem = "redeem"
)

// Metadata is a free-form key-value map attached to most records. It is
// persisted as JSON text and parsed lazily on read.
type Metadata map[string]any

type SortEvent struct {
	ID          string
	Timestamp   time.Time
	Category    string
	Confidence  float64
	Destination string
	ImageID     string
	UserID      string
	Metadata    Metadata
	// RawMetadata holds the stored metadata text verbatim. When the text is
	// not valid JSON, Metadata is nil and readers fall back to this string.
	RawMetadata string
}

// EventParams carries the inputs of RecordEvent. Image, UserID and
// Metadata are optional.
type EventParams struct {
	Category    string
	Confidence  float64
	Destination string
	Image       []byte
	UserID      string
	Metadata    Metadata
}

type Image struct {
	ID          string
	Timestamp   time.Time
	Data        []byte
	Thumbnail   []byte
	Metadata    Metadata
	RawMetadata string
}

// DailyStatistic is the per-day counter row, keyed by UTC calendar date
// in "2006-01-02" form.
type DailyStatistic struct {
	Date           string
	CanCount       int
	RecyclingCount int
	GarbageCount   int
	TotalCount     int
	TokenRewards   float64
	Metadata       Metadata
	RawMetadata    string
}

// TotalStatistics aggregates all daily rows. All fields are zero when
// the store is empty.
type TotalStatistics struct {
	TotalCans      int
	TotalRecycling int
	TotalGarbage   int
	GrandTotal     int
	TotalRewards   float64
}

type User struct {
	ID           string
	Username     string
	Email        string
	TokenBalance float64
	CreatedAt    time.Time
	LastLogin    *time.Time
	Settings     Metadata
	RawSettings  string
}

type TokenTransaction struct {
	ID          string
	Timestamp   time.Time
	UserID      string
	Amount      float64
	Type        string
	ReferenceID string
	Metadata    Metadata
	RawMetadata string
}

// counterColumn maps a category to its statistics column. The empty
// string marks an unrecognized category, which callers treat as a no-op.
func counterColumn(category string) string {
	switch Category(category) {
	case CategoryCan:
		return "can_count"
	case CategoryRecycling:
		return "recycling_count"
	case CategoryGarbage:
		return "garbage_count"
	default:
		return ""
	}
}
