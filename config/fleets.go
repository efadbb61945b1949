package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlaceFleets maps place ids to the Agones fleet that hosts them.
//
//	default: lobby
//	places:
//	  100: castle
//	  200: racing
type PlaceFleets struct {
	Default string           `yaml:"default"`
	Places  map[int64]string `yaml:"places"`
}

// LoadPlaceFleets reads path when set. defaultFleet applies when the file
// names no default of its own.
func LoadPlaceFleets(path, defaultFleet string) (*PlaceFleets, error) {
	pf := &PlaceFleets{Default: defaultFleet, Places: map[int64]string{}}
	if path == "" {
		return pf, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read place fleets %s: %w", path, err)
	}
	var parsed PlaceFleets
	if err := yaml.Unmarshal(b, &parsed); err != nil {
		return nil, fmt.Errorf("parse place fleets %s: %w", path, err)
	}
	if d := strings.TrimSpace(parsed.Default); d != "" {
		pf.Default = d
	}
	for placeID, fleet := range parsed.Places {
		fleet = strings.TrimSpace(fleet)
		if placeID <= 0 || fleet == "" {
			return nil, fmt.Errorf("parse place fleets %s: invalid entry %d: %q", path, placeID, fleet)
		}
		pf.Places[placeID] = fleet
	}
	return pf, nil
}

// FleetFor returns the fleet for placeID, falling back to the default.
func (p *PlaceFleets) FleetFor(placeID int64) (string, bool) {
	if p == nil {
		return "", false
	}
	if fleet, ok := p.Places[placeID]; ok {
		return fleet, true
	}
	return p.Default, p.Default != ""
}
