package hazard

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/floodwatch-ph/floodroute/internal/model"
)

const numShards = 16

// floodCache keeps the latest hydrological sample per station id.
type floodCache struct {
	shards [numShards]floodShard
}

type floodShard struct {
	mu sync.RWMutex
	m  map[string]model.HydroSample
}

func newFloodCache() *floodCache {
	c := &floodCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]model.HydroSample)
	}
	return c
}

func (c *floodCache) pick(key string) *floodShard {
	return &c.shards[xxhash.Sum64String(key)&(numShards-1)]
}

func (c *floodCache) Update(samples []model.HydroSample) {
	for _, s := range samples {
		if s.StationID == "" {
			continue
		}
		sh := c.pick(s.StationID)
		sh.mu.Lock()
		if prev, ok := sh.m[s.StationID]; !ok || !s.ObservedAt.Before(prev.ObservedAt) {
			sh.m[s.StationID] = s
		}
		sh.mu.Unlock()
	}
}

// Snapshot returns all samples sorted by station id so fusion passes
// over identical caches are bit-identical.
func (c *floodCache) Snapshot() []model.HydroSample {
	var out []model.HydroSample
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

// scoutCache keeps the newest report per location name. Reports without
// a location name key under their raw text.
type scoutCache struct {
	shards [numShards]scoutShard
}

type scoutShard struct {
	mu sync.RWMutex
	m  map[string]model.ScoutReport
}

func newScoutCache() *scoutCache {
	c := &scoutCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]model.ScoutReport)
	}
	return c
}

func scoutKey(r model.ScoutReport) string {
	if r.LocationName != "" {
		return r.LocationName
	}
	return r.Text
}

func (c *scoutCache) pick(key string) *scoutShard {
	return &c.shards[xxhash.Sum64String(key)&(numShards-1)]
}

func (c *scoutCache) Update(reports []model.ScoutReport) {
	for _, r := range reports {
		if !r.IsFloodRelated {
			continue
		}
		key := scoutKey(r)
		if key == "" {
			continue
		}
		sh := c.pick(key)
		sh.mu.Lock()
		if prev, ok := sh.m[key]; !ok || !r.ObservedAt.Before(prev.ObservedAt) {
			sh.m[key] = r
		}
		sh.mu.Unlock()
	}
}

// Snapshot returns all reports sorted by key for deterministic fusion.
func (c *scoutCache) Snapshot() []model.ScoutReport {
	var out []model.ScoutReport
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, r := range sh.m {
			out = append(out, r)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return scoutKey(out[i]) < scoutKey(out[j]) })
	return out
}
