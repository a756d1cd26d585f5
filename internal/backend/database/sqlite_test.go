package database

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestDB(t *testing.T) DatabaseService {
	t.Helper()

	ds, err := NewSQLiteDatabase(":memory:", 100)
	if err != nil {
		t.Fatalf("NewSQLiteDatabase error: %v", err)
	}
	_, err = ds.CreateDatabase()
	if err != nil {
		t.Fatalf("CreateDatabase error: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

// setClock replaces the store clock with one that advances by step on
// every read, making timestamps strictly ordered and days controllable.
func setClock(t *testing.T, ds DatabaseService, start time.Time, step time.Duration) {
	t.Helper()
	s, ok := ds.(*SQLiteDatabase)
	if !ok {
		t.Fatalf("expected *SQLiteDatabase, got %T", ds)
	}
	current := start
	s.now = func() time.Time {
		current = current.Add(step)
		return current
	}
}

// testPNG encodes a noisy width x height PNG so that downscaled
// thumbnails are reliably smaller than the source payload.
func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 13), uint8((x + y) * 3), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test PNG: %v", err)
	}
	return buf.Bytes()
}

func TestSQLite_DoesDatabaseExist(t *testing.T) {
	ds := newTestDB(t)
	if !ds.DoesDatabaseExist() {
		t.Fatalf("expected DoesDatabaseExist to return true")
	}
}

func TestSQLite_RecordEvent_DailyCounters(t *testing.T) {
	ds := newTestDB(t)

	for _, category := range []string{"can", "can", "garbage"} {
		destination := "recycling"
		if category == "garbage" {
			destination = "garbage"
		}
		if _, err := ds.RecordEvent(EventParams{Category: category, Confidence: 0.9, Destination: destination}); err != nil {
			t.Fatalf("RecordEvent(%s) error: %v", category, err)
		}
	}

	stats, err := ds.GetDailyStatistics(1)
	if err != nil {
		t.Fatalf("GetDailyStatistics error: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 statistics row, got %d", len(stats))
	}
	row := stats[0]
	if row.CanCount != 2 || row.GarbageCount != 1 || row.RecyclingCount != 0 || row.TotalCount != 3 {
		t.Fatalf("unexpected counters: can=%d recycling=%d garbage=%d total=%d",
			row.CanCount, row.RecyclingCount, row.GarbageCount, row.TotalCount)
	}
	if row.TotalCount != row.CanCount+row.RecyclingCount+row.GarbageCount {
		t.Fatalf("total_count %d does not equal sum of counters", row.TotalCount)
	}
}

func TestSQLite_RecordEvent_UnrecognizedCategoryIsNoOp(t *testing.T) {
	ds := newTestDB(t)

	id, err := ds.RecordEvent(EventParams{Category: "styrofoam", Confidence: 0.5, Destination: "garbage"})
	if err != nil {
		t.Fatalf("RecordEvent error: %v", err)
	}

	// The event itself is stored.
	event, err := ds.GetEvent(id)
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	if event.Category != "styrofoam" {
		t.Errorf("expected category %q, got %q", "styrofoam", event.Category)
	}

	// No counter moved.
	totals, err := ds.GetTotalStatistics()
	if err != nil {
		t.Fatalf("GetTotalStatistics error: %v", err)
	}
	if totals.GrandTotal != 0 {
		t.Fatalf("expected grand total 0 for unrecognized category, got %d", totals.GrandTotal)
	}
}

func TestSQLite_RecordEvent_Validation(t *testing.T) {
	ds := newTestDB(t)

	tests := []struct {
		name   string
		params EventParams
	}{
		{"confidence above range", EventParams{Category: "can", Confidence: 1.5, Destination: "recycling"}},
		{"confidence below range", EventParams{Category: "can", Confidence: -0.1, Destination: "recycling"}},
		{"unknown destination", EventParams{Category: "can", Confidence: 0.5, Destination: "compost"}},
		{"unserializable metadata", EventParams{Category: "can", Confidence: 0.5, Destination: "recycling",
			Metadata: Metadata{"bad": make(chan int)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ds.RecordEvent(tt.params)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	// Nothing was written by any failed call.
	events, err := ds.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("GetRecentEvents error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after failed calls, got %d", len(events))
	}
}

func TestSQLite_RecordEvent_MetadataRoundTrip(t *testing.T) {
	ds := newTestDB(t)

	metadata := Metadata{
		"classification": "Recycling",
		"confidence":     0.92,
		"flags":          []any{"blurry", "backlit"},
		"camera":         map[string]any{"index": 1.0, "label": "top"},
	}
	id, err := ds.RecordEvent(EventParams{Category: "can", Confidence: 0.92, Destination: "recycling", Metadata: metadata})
	if err != nil {
		t.Fatalf("RecordEvent error: %v", err)
	}

	event, err := ds.GetEvent(id)
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	if !reflect.DeepEqual(event.Metadata, metadata) {
		t.Fatalf("metadata round trip mismatch:\n got %#v\nwant %#v", event.Metadata, metadata)
	}

	// Reads are idempotent.
	again, err := ds.GetEvent(id)
	if err != nil {
		t.Fatalf("second GetEvent error: %v", err)
	}
	if !reflect.DeepEqual(event, again) {
		t.Fatalf("repeated GetEvent returned different data")
	}
}

func TestSQLite_RecordEvent_WithImage(t *testing.T) {
	ds := newTestDB(t)

	frame := testPNG(t, 400, 400)
	id, err := ds.RecordEvent(EventParams{Category: "can", Confidence: 0.8, Destination: "recycling", Image: frame})
	if err != nil {
		t.Fatalf("RecordEvent error: %v", err)
	}

	event, err := ds.GetEvent(id)
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	if event.ImageID == "" {
		t.Fatalf("expected event to reference a stored image")
	}

	stored, err := ds.GetImage(event.ImageID)
	if err != nil {
		t.Fatalf("GetImage error: %v", err)
	}
	if !bytes.Equal(stored, frame) {
		t.Errorf("stored image differs from captured frame")
	}

	thumbnail, err := ds.GetThumbnail(event.ImageID)
	if err != nil {
		t.Fatalf("GetThumbnail error: %v", err)
	}
	if len(thumbnail) == 0 {
		t.Fatalf("expected non-empty thumbnail")
	}
	if len(thumbnail) >= len(stored) {
		t.Errorf("thumbnail payload (%d bytes) not smaller than image (%d bytes)", len(thumbnail), len(stored))
	}
}

func TestSQLite_RecordEvent_BadImageLeavesNoTrace(t *testing.T) {
	ds := newTestDB(t)

	_, err := ds.RecordEvent(EventParams{Category: "can", Confidence: 0.8, Destination: "recycling",
		Image: []byte("not an image")})
	if err == nil {
		t.Fatalf("expected error for undecodable image")
	}

	events, err := ds.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("GetRecentEvents error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after failed call, got %d", len(events))
	}
	totals, err := ds.GetTotalStatistics()
	if err != nil {
		t.Fatalf("GetTotalStatistics error: %v", err)
	}
	if totals.GrandTotal != 0 {
		t.Fatalf("expected no counter movement after failed call, got %d", totals.GrandTotal)
	}
}

func TestSQLite_GetEvent_NotFound(t *testing.T) {
	ds := newTestDB(t)
	_, err := ds.GetEvent("non-existent-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_GetRecentEvents_Order(t *testing.T) {
	ds := newTestDB(t)
	setClock(t, ds, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Second)

	var ids []string
	for _, category := range []string{"can", "recycling", "garbage"} {
		destination := "recycling"
		if category == "garbage" {
			destination = "garbage"
		}
		id, err := ds.RecordEvent(EventParams{Category: category, Confidence: 0.5, Destination: destination})
		if err != nil {
			t.Fatalf("RecordEvent error: %v", err)
		}
		ids = append(ids, id)
	}

	events, err := ds.GetRecentEvents(2)
	if err != nil {
		t.Fatalf("GetRecentEvents error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != ids[2] || events[1].ID != ids[1] {
		t.Fatalf("expected most recent first, got %q then %q", events[0].ID, events[1].ID)
	}
}

// Two events in the same second whose fractions are prefix-related
// (.12 and .125) must still order and filter correctly. The stored
// layout is fixed-width for exactly this case; a trimmed fraction would
// make ".125Z" sort before ".12Z" as text.
func TestSQLite_PrefixFractionTimestamps(t *testing.T) {
	ds := newTestDB(t)
	// The clock advances twice per RecordEvent (date, then timestamp),
	// so a 2.5ms step lands the events at .120 and .125.
	setClock(t, ds, time.Date(2026, 3, 1, 12, 0, 0, 115_000_000, time.UTC), 2500*time.Microsecond)

	firstID, err := ds.RecordEvent(EventParams{Category: "can", Confidence: 0.5, Destination: "recycling"})
	if err != nil {
		t.Fatalf("RecordEvent error: %v", err)
	}
	secondID, err := ds.RecordEvent(EventParams{Category: "garbage", Confidence: 0.5, Destination: "garbage"})
	if err != nil {
		t.Fatalf("RecordEvent error: %v", err)
	}

	events, err := ds.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("GetRecentEvents error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != secondID || events[1].ID != firstID {
		t.Fatalf("expected most recent first, got %q then %q", events[0].ID, events[1].ID)
	}
	if got := events[0].Timestamp.Nanosecond(); got != 125_000_000 {
		t.Fatalf("expected stored fraction to survive the round trip, got %d ns", got)
	}

	// A watermark at the first event must yield exactly the second one.
	watermark := time.Date(2026, 3, 1, 12, 0, 0, 120_000_000, time.UTC).Format(TimestampLayout)
	after, err := ds.GetEventsAfter(watermark, 10)
	if err != nil {
		t.Fatalf("GetEventsAfter error: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 event after watermark, got %d", len(after))
	}
	if after[0].ID != secondID {
		t.Fatalf("expected event %q after watermark, got %q", secondID, after[0].ID)
	}
}

func TestSQLite_GetDailyStatistics_AscendingAcrossDays(t *testing.T) {
	ds := newTestDB(t)
	// Each RecordEvent reads the clock a few times; a 7 hour step keeps
	// one event on March 1st and the next on March 2nd.
	setClock(t, ds, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 7*time.Hour)

	for i := 0; i < 2; i++ {
		if _, err := ds.RecordEvent(EventParams{Category: "can", Confidence: 0.5, Destination: "recycling"}); err != nil {
			t.Fatalf("RecordEvent error: %v", err)
		}
	}

	stats, err := ds.GetDailyStatistics(30)
	if err != nil {
		t.Fatalf("GetDailyStatistics error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 statistics rows, got %d", len(stats))
	}
	if stats[0].Date >= stats[1].Date {
		t.Fatalf("expected ascending dates, got %q then %q", stats[0].Date, stats[1].Date)
	}
}

func TestSQLite_GetTotalStatistics_Empty(t *testing.T) {
	ds := newTestDB(t)

	totals, err := ds.GetTotalStatistics()
	if err != nil {
		t.Fatalf("GetTotalStatistics error: %v", err)
	}
	if totals.TotalCans != 0 || totals.TotalRecycling != 0 || totals.TotalGarbage != 0 ||
		totals.GrandTotal != 0 || totals.TotalRewards != 0 {
		t.Fatalf("expected zero totals for empty store, got %+v", totals)
	}
}

func TestSQLite_GetTotalStatistics_MatchesRecognizedEvents(t *testing.T) {
	ds := newTestDB(t)

	categories := []string{"can", "recycling", "garbage", "mystery", "can"}
	recognized := 0
	for _, category := range categories {
		if counterColumn(category) != "" {
			recognized++
		}
		if _, err := ds.RecordEvent(EventParams{Category: category, Confidence: 0.5, Destination: "garbage"}); err != nil {
			t.Fatalf("RecordEvent(%s) error: %v", category, err)
		}
	}

	totals, err := ds.GetTotalStatistics()
	if err != nil {
		t.Fatalf("GetTotalStatistics error: %v", err)
	}
	if totals.GrandTotal != recognized {
		t.Fatalf("expected grand total %d, got %d", recognized, totals.GrandTotal)
	}
	if totals.GrandTotal != totals.TotalCans+totals.TotalRecycling+totals.TotalGarbage {
		t.Fatalf("grand total %d does not equal sum of category totals", totals.GrandTotal)
	}
}

func TestSQLite_UpsertDailyCounter_UnknownCategory(t *testing.T) {
	ds := newTestDB(t)

	if err := ds.UpsertDailyCounter("2026-03-01", "mystery"); err != nil {
		t.Fatalf("UpsertDailyCounter error: %v", err)
	}

	stats, err := ds.GetDailyStatistics(30)
	if err != nil {
		t.Fatalf("GetDailyStatistics error: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected lazily created row, got %d rows", len(stats))
	}
	if stats[0].TotalCount != 0 {
		t.Fatalf("expected zero counters for unknown category, got total %d", stats[0].TotalCount)
	}
}

func TestSQLite_CreateUser_Duplicate(t *testing.T) {
	ds := newTestDB(t)

	id, err := ds.CreateUser("alice", "alice@example.com", nil)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty user id")
	}

	_, err = ds.CreateUser("alice", "", nil)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	user, err := ds.GetUserByName("alice")
	if err != nil {
		t.Fatalf("GetUserByName error: %v", err)
	}
	if user.ID != id {
		t.Fatalf("expected original user to survive, got id %q", user.ID)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("expected original email to survive, got %q", user.Email)
	}
}

func TestSQLite_UpdateUserLogin(t *testing.T) {
	ds := newTestDB(t)

	if _, err := ds.CreateUser("bob", "", nil); err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	if err := ds.UpdateUserLogin("bob"); err != nil {
		t.Fatalf("UpdateUserLogin error: %v", err)
	}
	user, err := ds.GetUserByName("bob")
	if err != nil {
		t.Fatalf("GetUserByName error: %v", err)
	}
	if user.LastLogin == nil {
		t.Fatalf("expected last login to be set")
	}

	if err := ds.UpdateUserLogin("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestSQLite_TokenTransaction_UpdatesBalanceAndStatistics(t *testing.T) {
	ds := newTestDB(t)

	userID, err := ds.CreateUser("alice", "", nil)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}

	txID, err := ds.RecordTokenTransaction(userID, 5.0, TransactionAward, "", nil)
	if err != nil {
		t.Fatalf("RecordTokenTransaction error: %v", err)
	}
	if txID == "" {
		t.Fatalf("expected non-empty transaction id")
	}

	balance, err := ds.GetUserBalance(userID)
	if err != nil {
		t.Fatalf("GetUserBalance error: %v", err)
	}
	if balance != 5.0 {
		t.Fatalf("expected balance 5.0, got %v", balance)
	}

	stats, err := ds.GetDailyStatistics(1)
	if err != nil {
		t.Fatalf("GetDailyStatistics error: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected today's statistics row to be created, got %d rows", len(stats))
	}
	if stats[0].TokenRewards != 5.0 {
		t.Fatalf("expected token_rewards 5.0, got %v", stats[0].TokenRewards)
	}
}

func TestSQLite_TokenTransaction_BalanceEqualsLedgerSum(t *testing.T) {
	ds := newTestDB(t)

	userID, err := ds.CreateUser("carol", "", nil)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}

	amounts := []float64{3.0, 1.5, -2.0, 4.25}
	for _, amount := range amounts {
		transactionType := TransactionAward
		if amount < 0 {
			transactionType = TransactionRedeem
		}
		if _, err := ds.RecordTokenTransaction(userID, amount, transactionType, "", nil); err != nil {
			t.Fatalf("RecordTokenTransaction(%v) error: %v", amount, err)
		}
	}

	transactions, err := ds.GetUserTransactions(userID, 50)
	if err != nil {
		t.Fatalf("GetUserTransactions error: %v", err)
	}
	if len(transactions) != len(amounts) {
		t.Fatalf("expected %d transactions, got %d", len(amounts), len(transactions))
	}
	var sum float64
	for _, txn := range transactions {
		sum += txn.Amount
	}

	balance, err := ds.GetUserBalance(userID)
	if err != nil {
		t.Fatalf("GetUserBalance error: %v", err)
	}
	if balance != sum {
		t.Fatalf("balance %v does not equal ledger sum %v", balance, sum)
	}
}

func TestSQLite_TokenTransaction_UnknownUser(t *testing.T) {
	ds := newTestDB(t)

	_, err := ds.RecordTokenTransaction("ghost", 1.0, TransactionAward, "", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The failed transaction must not have touched statistics.
	stats, err := ds.GetDailyStatistics(1)
	if err != nil {
		t.Fatalf("GetDailyStatistics error: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected no statistics rows after failed transaction, got %d", len(stats))
	}
}

func TestSQLite_GetUserBalance_Unknown(t *testing.T) {
	ds := newTestDB(t)
	_, err := ds.GetUserBalance("nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_GetThumbnail_NotFound(t *testing.T) {
	ds := newTestDB(t)
	_, err := ds.GetThumbnail("non-existent-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_Backup(t *testing.T) {
	ds := newTestDB(t)

	userID, err := ds.CreateUser("alice", "", nil)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	eventID, err := ds.RecordEvent(EventParams{Category: "can", Confidence: 0.7, Destination: "recycling",
		Image: testPNG(t, 200, 200), UserID: userID})
	if err != nil {
		t.Fatalf("RecordEvent error: %v", err)
	}
	if _, err := ds.RecordTokenTransaction(userID, 1.0, TransactionAward, eventID, nil); err != nil {
		t.Fatalf("RecordTokenTransaction error: %v", err)
	}

	dir := t.TempDir()
	if err := ds.Backup(dir); err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	for _, file := range []string{"sort_events.json", "users.json", "token_transactions.json", "statistics.json"} {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			t.Fatalf("expected backup file %s: %v", file, err)
		}
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			t.Fatalf("backup file %s is not a JSON array: %v", file, err)
		}
		if len(records) != 1 {
			t.Errorf("expected 1 record in %s, got %d", file, len(records))
		}
	}

	// Image blobs are excluded from the extract.
	if _, err := os.Stat(filepath.Join(dir, "images.json")); !os.IsNotExist(err) {
		t.Fatalf("expected no images.json in backup, stat err: %v", err)
	}
}
