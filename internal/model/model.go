// Package model defines the domain types exchanged between agents.
package model

import (
	"time"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

// Content types carried by bus envelopes.
const (
	ContentFloodBatch  = "flood_data_batch"
	ContentScoutBatch  = "scout_report_batch"
	ContentCollectNow  = "collect_now"
	ContentScoutNow    = "scout_now"
	ContentFuseNow     = "fuse_now"
	ContentSetScenario = "set_scenario"
	ContentGeoTIFF     = "geotiff_toggle"
	ContentResult      = "result"
)

// Agent ids registered on the bus.
const (
	AgentHazard       = "hazard"
	AgentFlood        = "flood"
	AgentScout        = "scout"
	AgentOrchestrator = "orchestrator"
)

// StationStatus is the official alert level of a hydrological station.
type StationStatus string

const (
	StatusNormal   StationStatus = "NORMAL"
	StatusAlert    StationStatus = "ALERT"
	StatusAlarm    StationStatus = "ALARM"
	StatusCritical StationStatus = "CRITICAL"
)

// HydroKind distinguishes the official telemetry sources.
type HydroKind string

const (
	KindRiver    HydroKind = "river"
	KindRainfall HydroKind = "rainfall"
	KindDam      HydroKind = "dam"
)

// HydroSample is one reading from a river gauge, weather station, or dam.
type HydroSample struct {
	StationID  string        `json:"station_id"`
	Kind       HydroKind     `json:"kind"`
	Coord      geo.Coord     `json:"coord"`
	Value      float64       `json:"value"`
	Unit       string        `json:"unit"`
	Status     StationStatus `json:"status"`
	ObservedAt time.Time     `json:"observed_at"`
}

// FloodBatch is the payload of a flood_data_batch INFORM.
type FloodBatch struct {
	Samples     []HydroSample `json:"samples"`
	CollectedAt time.Time     `json:"collected_at"`
}

// ScoutReport is a parsed crowdsourced flood mention.
type ScoutReport struct {
	Text           string     `json:"text"`
	LocationName   string     `json:"location_name,omitempty"`
	Coord          *geo.Coord `json:"coord,omitempty"`
	Severity       float64    `json:"severity"`
	Confidence     float64    `json:"confidence"`
	ReportType     string     `json:"report_type"`
	IsFloodRelated bool       `json:"is_flood_related"`
	ObservedAt     time.Time  `json:"observed_at"`
}

// ScoutBatch is the payload of a scout_report_batch INFORM.
type ScoutBatch struct {
	Reports        []ScoutReport `json:"reports"`
	HasCoordinates bool          `json:"has_coordinates"`
}

// LocationRisk is the per-location output of one fusion pass. Rebuilt
// from scratch each pass.
type LocationRisk struct {
	Name        string     `json:"name"`
	Coord       *geo.Coord `json:"coord,omitempty"`
	RiskLevel   float64    `json:"risk_level"`
	Sources     []string   `json:"sources"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Scenario selects which flood raster set contributes to fusion.
type Scenario struct {
	ReturnPeriod string `json:"return_period"`
	TimeStep     int    `json:"time_step"`
	GeoTIFF      bool   `json:"geotiff_enabled"`
}

// DefaultScenario is the 2-year return period at the first hour.
func DefaultScenario() Scenario {
	return Scenario{ReturnPeriod: "rr01", TimeStep: 1, GeoTIFF: false}
}

// Live update kinds fanned out on the broadcast channel.
const (
	LiveFloodUpdate   = "flood_update"
	LiveRiskUpdate    = "risk_update"
	LiveCriticalAlert = "critical_alert"
	LiveSystemStatus  = "system_status"
)

// LiveUpdate is one frame on the broadcast channel.
type LiveUpdate struct {
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data"`
	EmittedAt time.Time      `json:"emitted_at"`
}
