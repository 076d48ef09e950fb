package flood

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/model"
)

// Source is one upstream telemetry feed. Fetch honors ctx for its
// deadline and returns the parsed samples.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.HydroSample, error)
}

type stationWire struct {
	ID         string  `json:"id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	WaterLevel float64 `json:"water_level"`
	Rainfall   float64 `json:"rainfall"`
	Spillway   float64 `json:"spillway_level"`
	Unit       string  `json:"unit"`
	Status     string  `json:"status"`
	ObservedAt string  `json:"observed_at"`
}

type stationFeed struct {
	Stations []stationWire `json:"stations"`
}

// httpSource fetches one JSON station feed and maps it to samples of a
// single hydrological kind.
type httpSource struct {
	name   string
	url    string
	kind   model.HydroKind
	client *http.Client
}

func NewRiverSource(url string, client *http.Client) Source {
	return &httpSource{name: "river_gauge", url: url, kind: model.KindRiver, client: client}
}

func NewWeatherSource(url string, client *http.Client) Source {
	return &httpSource{name: "rainfall", url: url, kind: model.KindRainfall, client: client}
}

func NewDamSource(url string, client *http.Client) Source {
	return &httpSource{name: "dam", url: url, kind: model.KindDam, client: client}
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context) ([]model.HydroSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: upstream status %d", s.name, resp.StatusCode)
	}

	var feed stationFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", s.name, err)
	}
	return s.mapFeed(feed), nil
}

func (s *httpSource) mapFeed(feed stationFeed) []model.HydroSample {
	out := make([]model.HydroSample, 0, len(feed.Stations))
	for _, st := range feed.Stations {
		if st.ID == "" {
			continue
		}
		var value float64
		var unit string
		switch s.kind {
		case model.KindRiver:
			value, unit = coerceMeters(st.WaterLevel, st.Unit)
		case model.KindRainfall:
			value, unit = st.Rainfall, "mm/h"
		case model.KindDam:
			value, unit = coerceMeters(st.Spillway, st.Unit)
		}
		out = append(out, model.HydroSample{
			StationID:  st.ID,
			Kind:       s.kind,
			Coord:      geo.Coord{Lat: st.Lat, Lon: st.Lon},
			Value:      value,
			Unit:       unit,
			Status:     parseStatus(st.Status),
			ObservedAt: parseObserved(st.ObservedAt),
		})
	}
	return out
}

// coerceMeters normalizes level readings to meters.
func coerceMeters(v float64, unit string) (float64, string) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "cm":
		return v / 100, "m"
	case "mm":
		return v / 1000, "m"
	default:
		return v, "m"
	}
}

func parseStatus(s string) model.StationStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(model.StatusAlert):
		return model.StatusAlert
	case string(model.StatusAlarm):
		return model.StatusAlarm
	case string(model.StatusCritical):
		return model.StatusCritical
	default:
		return model.StatusNormal
	}
}

func parseObserved(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// fileSource replays a fixed sample file; used for development and
// air-gapped deployments.
type fileSource struct {
	path string
}

func NewFileSource(path string) Source { return &fileSource{path: path} }

func (s *fileSource) Name() string { return "static_file" }

func (s *fileSource) Fetch(_ context.Context) ([]model.HydroSample, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var samples []model.HydroSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("static_file: decode: %w", err)
	}
	now := time.Now()
	for i := range samples {
		if samples[i].ObservedAt.IsZero() {
			samples[i].ObservedAt = now
		}
	}
	return samples, nil
}
