// Package pixelmap implements the read-only pixel-to-energy-point
// lookup collaborator described in spec §6: a (chip, flat_pixel) to
// [(energy_point, weight)...] map loaded from either a JSON document
// or a CSV-like text form. The core only ever reads through this map;
// it never writes it.
package pixelmap

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Contribution is one (energy_point, weight) pair a pixel maps to.
type Contribution struct {
	EnergyPoint int
	Weight      float64
}

// key identifies one pixel on one chip.
type key struct {
	Chip       int
	FlatPixel  int
}

// Map is the immutable, read-only lookup produced by Load or
// LoadCSV. The zero value is an empty map with zero energy points.
type Map struct {
	nEnergyPoints int
	byPixel       map[key][]Contribution
}

// NEnergyPoints returns the number of distinct output energy channels
// this map was built for.
func (m *Map) NEnergyPoints() int {
	return m.nEnergyPoints
}

// Lookup returns the contributions for one pixel, or nil if the pixel
// carries no mapped contribution (e.g. it falls outside the detector's
// region of interest).
func (m *Map) Lookup(chip, flatPixel int) []Contribution {
	return m.byPixel[key{Chip: chip, FlatPixel: flatPixel}]
}

// NChips checks the map against declaredChips, for
// configuration-mismatch validation against detector layout discovery
// (spec §6, §7 kind 3): it returns an error when the map holds pixels
// for more distinct chips than declaredChips. Individual chip indices
// are not range-checked.
func (m *Map) NChips(declaredChips int) error {
	seen := make(map[int]struct{})
	for k := range m.byPixel {
		seen[k.Chip] = struct{}{}
	}

	if len(seen) > declaredChips {
		return fmt.Errorf("pixel map references chip indices beyond declared chip count %d", declaredChips)
	}

	return nil
}

// jsonDoc mirrors `{"chips":[[{"i":flat_idx,"p":[eps...],"f":[weights...]}, …], …]}`.
type jsonDoc struct {
	Chips [][]jsonPixel `json:"chips"`
}

type jsonPixel struct {
	FlatIndex int       `json:"i"`
	Points    []int     `json:"p"`
	Weights   []float64 `json:"f"`
}

// Load decodes the JSON pixel-map document from r.
func Load(r io.Reader) (*Map, error) {
	var doc jsonDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding pixel map json: %w", err)
	}

	m := &Map{byPixel: make(map[key][]Contribution)}

	maxPoint := -1
	for chip, pixels := range doc.Chips {
		for _, px := range pixels {
			if len(px.Points) != len(px.Weights) {
				return nil, fmt.Errorf("pixel map chip %d flat index %d: %d energy points but %d weights",
					chip, px.FlatIndex, len(px.Points), len(px.Weights))
			}

			contribs := make([]Contribution, len(px.Points))
			for i, ep := range px.Points {
				contribs[i] = Contribution{EnergyPoint: ep, Weight: px.Weights[i]}
				if ep > maxPoint {
					maxPoint = ep
				}
			}

			m.byPixel[key{Chip: chip, FlatPixel: px.FlatIndex}] = contribs
		}
	}

	m.nEnergyPoints = maxPoint + 1

	return m, nil
}

// LoadCSV decodes the CSV-like text form:
// `chip, flat_pixel, ep0, …, epK, w0, …, wK`.
func LoadCSV(r io.Reader) (*Map, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = -1 // K varies from row to row

	m := &Map{byPixel: make(map[key][]Contribution)}
	maxPoint := -1

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading pixel map csv: %w", err)
		}

		if len(record) < 2 || (len(record)-2)%2 != 0 {
			return nil, fmt.Errorf("malformed pixel map csv row: %v", record)
		}

		chip, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("pixel map csv chip field: %w", err)
		}

		flatPixel, err := strconv.Atoi(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("pixel map csv flat_pixel field: %w", err)
		}

		k := (len(record) - 2) / 2
		contribs := make([]Contribution, 0, k)

		for i := 0; i < k; i++ {
			ep, err := strconv.Atoi(strings.TrimSpace(record[2+i]))
			if err != nil {
				return nil, fmt.Errorf("pixel map csv energy point field: %w", err)
			}

			w, err := strconv.ParseFloat(strings.TrimSpace(record[2+k+i]), 64)
			if err != nil {
				return nil, fmt.Errorf("pixel map csv weight field: %w", err)
			}

			contribs = append(contribs, Contribution{EnergyPoint: ep, Weight: w})
			if ep > maxPoint {
				maxPoint = ep
			}
		}

		m.byPixel[key{Chip: chip, FlatPixel: flatPixel}] = contribs
	}

	m.nEnergyPoints = maxPoint + 1

	return m, nil
}
