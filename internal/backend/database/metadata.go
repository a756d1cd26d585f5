package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// encodeMetadata serializes a metadata map to JSON text for storage.
// A nil or empty map stores SQL NULL. Unserializable values fail the
// calling operation instead of being dropped silently.
func encodeMetadata(m Metadata) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("metadata not serializable: %v: %w", err, ErrValidation)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeMetadata parses stored metadata text. Parse failure degrades to
// the raw string, never to an error.
func decodeMetadata(raw sql.NullString) (Metadata, string) {
	if !raw.Valid || raw.String == "" {
		return nil, ""
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, raw.String
	}
	return m, raw.String
}
