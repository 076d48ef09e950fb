package gazetteer

import (
	"strings"
	"testing"
)

const sample = `name,lat,lon
Tumana,14.6589,121.0937
Malanday,14.6542,121.0962
Sto. Nino,14.6330,121.0970
Concepcion Uno,14.6480,121.1040
`

func load(t *testing.T) *Table {
	t.Helper()
	tbl, err := Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tbl.Len() != 4 {
		t.Fatalf("entries = %d, want 4", tbl.Len())
	}
	return tbl
}

func TestExactAndCaseInsensitive(t *testing.T) {
	tbl := load(t)
	lat, lon, ok := tbl.Lookup("TUMANA")
	if !ok || lat != 14.6589 || lon != 121.0937 {
		t.Fatalf("Lookup(TUMANA) = %v %v %v", lat, lon, ok)
	}
	if _, _, ok := tbl.Lookup("  malanday  "); !ok {
		t.Fatal("whitespace should be ignored")
	}
}

func TestSubstringMention(t *testing.T) {
	tbl := load(t)
	// a scout mention usually embeds the place in a sentence fragment
	if _, _, ok := tbl.Lookup("tumana bridge area"); !ok {
		t.Fatal("containment match failed")
	}
}

func TestFuzzyWithinBound(t *testing.T) {
	tbl := load(t)
	lat, _, ok := tbl.Lookup("tumina")
	if !ok || lat != 14.6589 {
		t.Fatalf("one-edit misspelling should resolve, got %v %v", lat, ok)
	}
	if _, _, ok := tbl.Lookup("quezon city"); ok {
		t.Fatal("unrelated name must not match")
	}
}

func TestHeaderAndDuplicatesSkipped(t *testing.T) {
	tbl, err := Load(strings.NewReader("name,lat,lon\nTumana,14.6589,121.0937\ntumana,1,1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("duplicate not skipped: %d", tbl.Len())
	}
	lat, _, _ := tbl.Lookup("tumana")
	if lat != 14.6589 {
		t.Fatalf("first entry should win, got %v", lat)
	}
}

func TestMalformedRow(t *testing.T) {
	if _, err := Load(strings.NewReader("Tumana,14.6589,121.0937\nbroken,notanumber,121\n")); err == nil {
		t.Fatal("expected ErrBadRow")
	}
}
