package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/storage"
)

const replayPageSize = 256

// ReplayStore is the slice of storage the replay source reads from
type ReplayStore interface {
	QueryReadings(ctx context.Context, opts storage.QueryOptions) ([]storage.Record, error)
	LastID(ctx context.Context) (int64, error)
}

// ReplaySource replays stored readings in timestamp order, restamped with
// the current time. Only rows that existed when replay started are read,
// so ticks persisted during replay never feed back into it.
type ReplaySource struct {
	store ReplayStore
	loop  bool
	now   func() time.Time

	mu     sync.Mutex
	bound  int64 // highest id visible to this replay; 0 until first Next
	cursor *storage.Cursor
	page   []storage.Record
	closed bool
}

// NewReplay creates a replay source over store
func NewReplay(store ReplayStore, loop bool) *ReplaySource {
	return &ReplaySource{store: store, loop: loop, now: time.Now}
}

// Name returns the source name
func (s *ReplaySource) Name() string {
	return "replay"
}

// Next returns the next stored reading or ErrExhausted
func (s *ReplaySource) Next(ctx context.Context) (*models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.bound == 0 {
		last, err := s.store.LastID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to find replay bound: %w", err)
		}
		if last == 0 {
			return nil, ErrExhausted
		}
		s.bound = last
	}

	if len(s.page) == 0 {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
		if len(s.page) == 0 && s.loop && s.cursor != nil {
			s.cursor = nil
			if err := s.fill(ctx); err != nil {
				return nil, err
			}
		}
		if len(s.page) == 0 {
			return nil, ErrExhausted
		}
	}

	rec := s.page[0]
	s.page = s.page[1:]
	s.cursor = &storage.Cursor{TimestampMs: rec.Reading.Timestamp().UnixMilli(), ID: rec.ID}

	r, err := models.NewReading(s.now(), rec.Reading.Values())
	if err != nil {
		return nil, err
	}
	return r.WithLocation(rec.Reading.Line(), rec.Reading.Station()), nil
}

func (s *ReplaySource) fill(ctx context.Context) error {
	records, err := s.store.QueryReadings(ctx, storage.QueryOptions{
		After: s.cursor,
		MaxID: s.bound,
		Limit: replayPageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to read replay page: %w", err)
	}
	s.page = records
	return nil
}

// Close stops the source
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.page = nil
	return nil
}
