package scout

import (
	"strings"
	"time"

	"github.com/floodwatch-ph/floodroute/internal/gazetteer"
	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/model"
)

// floodTerms is the rule baseline for flood relevance, English and
// Tagalog mixed the way Marikina posts actually read.
var floodTerms = []string{
	"flood", "flooded", "flooding", "baha", "bumabaha", "binabaha",
	"umapaw", "overflow", "rising water", "tumataas ang tubig",
	"hindi madaanan", "impassable",
}

// negations veto relevance when they directly qualify a flood term.
var negations = []string{
	"no flood", "walang baha", "wala nang baha", "not flooded",
	"passable na", "baha subsided",
}

// depthTerms maps body-reference depth vocabulary to fractional
// severity levels.
var depthTerms = []struct {
	term     string
	severity float64
}{
	{"chest", 0.90}, {"dibdib", 0.90},
	{"waist", 0.80}, {"baywang", 0.80}, {"bewang", 0.80},
	{"knee", 0.50}, {"tuhod", 0.50},
	{"tire", 0.60}, {"gulong", 0.60},
	{"ankle", 0.15}, {"sakong", 0.15}, {"bukung-bukong", 0.15},
}

// defaultSeverity applies when a post is flood-related but names no
// depth.
const defaultSeverity = 0.30

// Classify parses one raw post into a scout report. Reports that are
// not flood-related are returned with IsFloodRelated=false and should
// be discarded by the caller.
func Classify(post RawPost, table *gazetteer.Table) model.ScoutReport {
	text := strings.ToLower(post.Text)
	rep := model.ScoutReport{
		Text:       post.Text,
		ObservedAt: post.PostedAt,
		ReportType: "general",
	}
	if rep.ObservedAt.IsZero() {
		rep.ObservedAt = time.Now()
	}

	for _, n := range negations {
		if strings.Contains(text, n) {
			return rep
		}
	}
	related := false
	for _, term := range floodTerms {
		if strings.Contains(text, term) {
			related = true
			break
		}
	}
	if !related {
		return rep
	}
	rep.IsFloodRelated = true

	confidence := 0.5
	rep.Severity = defaultSeverity
	for _, dt := range depthTerms {
		if strings.Contains(text, dt.term) {
			rep.Severity = dt.severity
			rep.ReportType = "depth_observation"
			confidence += 0.2
			break
		}
	}

	// device coordinates win over geocoding
	if post.Lat != nil && post.Lon != nil {
		rep.Coord = &geo.Coord{Lat: *post.Lat, Lon: *post.Lon}
		confidence += 0.2
	} else if table != nil {
		if name, lat, lon, ok := table.Resolve(post.Text); ok {
			rep.LocationName = name
			rep.Coord = &geo.Coord{Lat: lat, Lon: lon}
			confidence += 0.2
		}
	}

	if rep.Coord != nil && !geo.MarikinaBBox.Contains(*rep.Coord) {
		rep.Coord = nil
		confidence -= 0.1
	}

	rep.Confidence = clamp01(confidence)
	rep.Severity = clamp01(rep.Severity)
	return rep
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
