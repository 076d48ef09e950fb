package scout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/gazetteer"
	"github.com/floodwatch-ph/floodroute/internal/model"
)

func testTable(t *testing.T) *gazetteer.Table {
	t.Helper()
	tbl, err := gazetteer.Load(strings.NewReader(
		"name,lat,lon\nTumana,14.6589,121.0937\nMalanday,14.6542,121.0962\n"))
	if err != nil {
		t.Fatalf("gazetteer.Load: %v", err)
	}
	return tbl
}

func TestClassifySeverityVocabulary(t *testing.T) {
	tbl := testTable(t)
	cases := []struct {
		text     string
		severity float64
	}{
		{"knee deep flood sa tumana", 0.50},
		{"baha hanggang baywang sa malanday", 0.80},
		{"chest deep flooding near tumana bridge", 0.90},
		{"ankle deep baha pa rin sa tumana", 0.15},
		{"bumabaha sa malanday ngayon", defaultSeverity},
	}
	for _, tc := range cases {
		rep := Classify(RawPost{Text: tc.text, PostedAt: time.Now()}, tbl)
		if !rep.IsFloodRelated {
			t.Fatalf("%q not flagged flood-related", tc.text)
		}
		if rep.Severity != tc.severity {
			t.Fatalf("%q severity = %v, want %v", tc.text, rep.Severity, tc.severity)
		}
		if rep.Coord == nil {
			t.Fatalf("%q did not geocode", tc.text)
		}
		if rep.Confidence <= 0 || rep.Confidence > 1 {
			t.Fatalf("%q confidence out of range: %v", tc.text, rep.Confidence)
		}
	}
}

func TestClassifyIrrelevantAndNegated(t *testing.T) {
	tbl := testTable(t)
	for _, text := range []string{
		"traffic lang sa marcos highway",
		"walang baha sa tumana, passable na",
	} {
		if rep := Classify(RawPost{Text: text}, tbl); rep.IsFloodRelated {
			t.Fatalf("%q wrongly flagged flood-related", text)
		}
	}
}

func TestClassifyOutOfCityCoordinateDropped(t *testing.T) {
	lat, lon := 14.5995, 120.9842 // Manila, outside the service area
	rep := Classify(RawPost{Text: "flood here", Lat: &lat, Lon: &lon}, nil)
	if !rep.IsFloodRelated {
		t.Fatal("should be flood-related")
	}
	if rep.Coord != nil {
		t.Fatalf("out-of-bbox coordinate kept: %+v", rep.Coord)
	}
}

func writeReplay(t *testing.T, posts []RawPost) string {
	t.Helper()
	data, err := json.Marshal(posts)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "replay.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReplayDriverBatchDelivery(t *testing.T) {
	path := writeReplay(t, []RawPost{
		{Text: "knee deep baha sa tumana", PostedAt: time.Now()},
		{Text: "kalsada ayos lang", PostedAt: time.Now()},
		{Text: "waist deep flood sa malanday", PostedAt: time.Now()},
	})

	b := bus.New()
	b.Register(model.AgentHazard)
	b.Register(model.AgentScout)
	c := New(b, &ReplayDriver{Path: path}, testTable(t), time.Hour, false, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// give the replay driver a beat to fill the intake, then force a flush
	time.Sleep(50 * time.Millisecond)
	reply, err := b.Call(ctx, model.AgentScout, model.ContentScoutNow, nil, 3*time.Second)
	if err != nil || reply == nil {
		t.Fatalf("Call: %v %v", reply, err)
	}
	if got := reply.Payload.(int); got != 2 {
		t.Fatalf("classified reports = %d, want 2", got)
	}

	env, _ := b.Receive(ctx, model.AgentHazard, time.Second)
	if env == nil || env.ContentType != model.ContentScoutBatch {
		t.Fatalf("no scout batch: %+v", env)
	}
	batch := env.Payload.(model.ScoutBatch)
	if len(batch.Reports) != 2 || !batch.HasCoordinates {
		t.Fatalf("batch: %+v", batch)
	}
	for _, rep := range batch.Reports {
		if !rep.IsFloodRelated || rep.Coord == nil {
			t.Fatalf("report not usable: %+v", rep)
		}
	}
}

func TestStrictModeDropsUnresolvable(t *testing.T) {
	path := writeReplay(t, []RawPost{
		{Text: "grabe ang baha dito", PostedAt: time.Now()}, // no location
		{Text: "knee deep baha sa tumana", PostedAt: time.Now()},
	})

	b := bus.New()
	b.Register(model.AgentHazard)
	b.Register(model.AgentScout)
	c := New(b, &ReplayDriver{Path: path}, testTable(t), time.Hour, true, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	reply, err := b.Call(ctx, model.AgentScout, model.ContentScoutNow, nil, 3*time.Second)
	if err != nil || reply == nil {
		t.Fatalf("Call: %v %v", reply, err)
	}
	if got := reply.Payload.(int); got != 1 {
		t.Fatalf("strict mode kept %d reports, want 1", got)
	}
}
