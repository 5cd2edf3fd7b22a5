package opendata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bike-counts/pkg/logging"
)

func TestFileSource_FetchAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upms-nr8w.json"), []byte(`[
		{"date": "2014-01-01T00:00:00.000", "spokane_st_bridge_total": "12", "west": "5"},
		{"date": "2014-01-01T01:00:00.000", "spokane_st_bridge_total": 7}
	]`), 0o644))

	src := NewFileSource(dir, logging.NewNopLogger())
	records, err := src.FetchAll(context.Background(), testLocation)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "12", records[0]["spokane_st_bridge_total"])
	assert.Equal(t, json.Number("7"), records[1]["spokane_st_bridge_total"])
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(dir, logging.NewNopLogger())

	_, err := src.FetchAll(context.Background(), testLocation)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "upms-nr8w.json"), []byte(`{"not": "an array"}`), 0o644))
	_, err = src.FetchAll(context.Background(), testLocation)
	assert.True(t, errors.Is(err, errDecode))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.FetchAll(ctx, testLocation)
	assert.ErrorIs(t, err, context.Canceled)
}
