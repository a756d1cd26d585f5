package uploader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// uploadState is the durable watermark file. An absent file means
// nothing has been uploaded yet and the full history is eligible.
type uploadState struct {
	LastUploadTime string `json:"last_upload_time"`
}

func loadWatermark(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read upload state %s: %w", path, err)
	}
	var state uploadState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("parse upload state %s: %w", path, err)
	}
	return state.LastUploadTime, nil
}

// saveWatermark writes the state file atomically so a crash mid-write
// cannot corrupt the watermark.
func saveWatermark(path, timestamp string) error {
	data, err := json.MarshalIndent(uploadState{LastUploadTime: timestamp}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write upload state: %w", err)
	}
	return os.Rename(tmp, path)
}
