// Package snapshot persists the latest fusion result in Redis so a
// restarted process (or an external dashboard) can read the last known
// risk picture without waiting for the next pass.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/hazard"
)

const (
	keyLatest  = "floodroute:risk:latest"
	keyHistory = "floodroute:risk:history"

	// historyLen bounds the retained pass summaries.
	historyLen = 288 // one day at 5-minute passes
)

var ErrNoSnapshot = errors.New("snapshot: no stored risk snapshot")

// Record is the persisted form of one pass.
type Record struct {
	At               time.Time      `json:"at"`
	Histogram        map[string]int `json:"histogram"`
	EdgesUpdated     int            `json:"edges_updated"`
	CriticalStations []string       `json:"critical_stations,omitempty"`
	Locations        int            `json:"locations"`
	DurationMS       int64          `json:"duration_ms"`
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func New(addr string, ttl time.Duration, log zerolog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	return &Store{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "snapshot").Logger(),
	}
}

func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// StoreRisk writes the latest record and appends a bounded history
// entry. Implements the hazard snapshot sink.
func (s *Store) StoreRisk(ctx context.Context, res hazard.PassResult) error {
	rec := Record{
		At: res.At,
		Histogram: map[string]int{
			"low":      res.Histogram.Low,
			"moderate": res.Histogram.Moderate,
			"high":     res.Histogram.High,
			"critical": res.Histogram.Critical,
		},
		EdgesUpdated:     res.EdgesUpdated,
		CriticalStations: res.CriticalStations,
		Locations:        len(res.Locations),
		DurationMS:       res.Duration.Milliseconds(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyLatest, data, s.ttl)
	pipe.LPush(ctx, keyHistory, data)
	pipe.LTrim(ctx, keyHistory, 0, historyLen-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, keyHistory, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return nil
}

// Latest reads the most recent record.
func (s *Store) Latest(ctx context.Context) (Record, error) {
	data, err := s.client.Get(ctx, keyLatest).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNoSnapshot
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// History returns up to n most recent records, newest first.
func (s *Store) History(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 || n > historyLen {
		n = historyLen
	}
	rows, err := s.client.LRange(ctx, keyHistory, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			s.log.Warn().Err(err).Msg("corrupt history row skipped")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
