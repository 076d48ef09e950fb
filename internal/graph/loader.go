package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

// File schema of the serialized street network.
type fileNode struct {
	ID  int64   `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type fileEdge struct {
	U        int64       `json:"u"`
	V        int64       `json:"v"`
	K        int         `json:"k"`
	LengthM  float64     `json:"length_m"`
	Class    string      `json:"road_class"`
	Geometry [][]float64 `json:"geometry,omitempty"` // [lat, lon] pairs
}

type fileGraph struct {
	Nodes []fileNode `json:"nodes"`
	Edges []fileEdge `json:"edges"`
}

// LoadFile reads the serialized street network from path.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network: %w", err)
	}
	return Load(data)
}

// Load parses a serialized street network.
func Load(data []byte) (*Graph, error) {
	var f fileGraph
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse network: %w", err)
	}
	if len(f.Nodes) == 0 || len(f.Edges) == 0 {
		return nil, fmt.Errorf("parse network: empty node or edge table")
	}

	nodes := make([]Node, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		nodes = append(nodes, Node{ID: NodeID(n.ID), Coord: geo.Coord{Lat: n.Lat, Lon: n.Lon}})
	}

	edges := make([]Edge, 0, len(f.Edges))
	for _, e := range f.Edges {
		var geom []geo.Coord
		for _, pt := range e.Geometry {
			if len(pt) != 2 {
				continue
			}
			geom = append(geom, geo.Coord{Lat: pt[0], Lon: pt[1]})
		}
		edges = append(edges, Edge{
			ID:       EdgeID{U: NodeID(e.U), V: NodeID(e.V), K: e.K},
			LengthM:  e.LengthM,
			Class:    normalizeClass(e.Class),
			Geometry: geom,
		})
	}
	return New(nodes, edges)
}

func normalizeClass(s string) RoadClass {
	switch RoadClass(s) {
	case ClassPrimary, ClassSecondary, ClassTertiary, ClassResidential,
		ClassService, ClassBridge, ClassHighway:
		return RoadClass(s)
	default:
		return ClassResidential
	}
}
