package opendata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"bike-counts/internal/models"
	"bike-counts/pkg/logging"
)

// FileSource serves raw records from JSON exports on disk instead of the
// API. Each dataset lives in <dir>/<dataset_id>.json as the array the
// resource endpoint returns.
type FileSource struct {
	dir    string
	logger *logging.StructuredLogger
}

// NewFileSource creates a source reading exports from dir
func NewFileSource(dir string, logger *logging.StructuredLogger) *FileSource {
	return &FileSource{dir: dir, logger: logger}
}

// FetchAll reads the whole export of the location's dataset
func (s *FileSource) FetchAll(ctx context.Context, loc models.Location) ([]models.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, loc.DatasetID+".json")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()

	var records []models.RawRecord
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errDecode, path, err)
	}

	s.logger.Info(ctx, "[FETCH_FILE] Export loaded", logging.Fields{
		"dataset": loc.DatasetID,
		"path":    path,
		"records": len(records),
	})
	return records, nil
}
