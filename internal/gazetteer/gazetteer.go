// Package gazetteer resolves Marikina place names to coordinates from
// a static CSV table, with tolerant matching for misspelled mentions.
package gazetteer

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var ErrBadRow = errors.New("gazetteer: malformed row")

// maxEditDistance bounds the fuzzy match so "tumana" matches "tumina"
// but not an unrelated barangay.
const maxEditDistance = 2

type entry struct {
	name string
	lat  float64
	lon  float64
}

type Table struct {
	entries []entry
	exact   map[string]int
}

// Load reads CSV rows of the form name,lat,lon. A header row is
// skipped when its coordinates do not parse.
func Load(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	t := &Table{exact: make(map[string]int)}
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 3 {
			return nil, ErrBadRow
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if errLat != nil || errLon != nil {
			if first {
				first = false
				continue
			}
			return nil, ErrBadRow
		}
		first = false
		if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
			continue
		}
		name := Normalize(rec[0])
		if name == "" {
			continue
		}
		if _, dup := t.exact[name]; dup {
			continue
		}
		t.exact[name] = len(t.entries)
		t.entries = append(t.entries, entry{name: name, lat: lat, lon: lon})
	}
	return t, nil
}

func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (t *Table) Len() int { return len(t.entries) }

// Normalize lowercases, trims, and collapses interior whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Lookup resolves a place mention to coordinates.
func (t *Table) Lookup(name string) (lat, lon float64, ok bool) {
	_, lat, lon, ok = t.Resolve(name)
	return lat, lon, ok
}

// Resolve resolves a place mention and reports the canonical entry
// name. Order: exact normalized match, substring containment, then
// bounded edit distance.
func (t *Table) Resolve(name string) (canonical string, lat, lon float64, ok bool) {
	q := Normalize(name)
	if q == "" {
		return "", 0, 0, false
	}
	if i, hit := t.exact[q]; hit {
		e := t.entries[i]
		return e.name, e.lat, e.lon, true
	}

	for _, e := range t.entries {
		if strings.Contains(q, e.name) || strings.Contains(e.name, q) {
			return e.name, e.lat, e.lon, true
		}
	}

	best, bestDist := -1, maxEditDistance+1
	for i, e := range t.entries {
		if d := boundedLevenshtein(q, e.name, maxEditDistance); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		e := t.entries[best]
		return e.name, e.lat, e.lon, true
	}
	return "", 0, 0, false
}

// boundedLevenshtein returns the edit distance between a and b, or
// bound+1 as soon as it provably exceeds bound.
func boundedLevenshtein(a, b string, bound int) int {
	la, lb := len(a), len(b)
	if abs(la-lb) > bound {
		return bound + 1
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > bound {
			return bound + 1
		}
		prev, cur = cur, prev
	}
	if prev[lb] > bound {
		return bound + 1
	}
	return prev[lb]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
