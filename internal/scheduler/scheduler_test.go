package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bike-counts/internal/models"
	"bike-counts/internal/services"
	"bike-counts/pkg/logging"
)

type fakeRefresher struct {
	mu        sync.Mutex
	locations []models.Location
	errs      map[string]error
	calls     map[string]int
	forced    bool
}

func newFakeRefresher(slugs ...string) *fakeRefresher {
	f := &fakeRefresher{errs: make(map[string]error), calls: make(map[string]int)}
	for _, s := range slugs {
		f.locations = append(f.locations, models.Location{Name: s, Slug: s})
	}
	return f
}

func (f *fakeRefresher) Locations() []models.Location {
	return f.locations
}

func (f *fakeRefresher) Refresh(_ context.Context, name string, force bool) (*services.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.forced = f.forced || force
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	return &services.RefreshResult{RunID: name}, nil
}

func (f *fakeRefresher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestRunOnce_RefreshesEveryLocation(t *testing.T) {
	f := newFakeRefresher("a", "b", "c")
	f.errs["b"] = errors.New("upstream down")
	f.errs["c"] = services.ErrRefreshInProgress

	s := New(Config{Interval: time.Hour}, f, logging.NewNopLogger())
	failed := s.RunOnce(context.Background())

	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, f.count("a"))
	assert.Equal(t, 1, f.count("b"))
	assert.Equal(t, 1, f.count("c"))
	assert.False(t, f.forced, "scheduled runs respect the cache")
}

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	f := newFakeRefresher("a")
	s := New(Config{Interval: time.Hour}, f, logging.NewNopLogger())

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return f.count("a") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStart_WaitForSchedule(t *testing.T) {
	f := newFakeRefresher("a")
	s := New(Config{Interval: time.Hour, WaitForSchedule: true}, f, logging.NewNopLogger())

	require.NoError(t, s.Start())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.Zero(t, f.count("a"))
}

func TestStart_NoLocations(t *testing.T) {
	s := New(Config{}, newFakeRefresher(), logging.NewNopLogger())
	require.NoError(t, s.Start())
	s.Stop()
}
