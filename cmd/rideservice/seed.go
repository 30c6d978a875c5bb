package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/rideflow/internal/ride/domain"
)

// parseSeedDrivers reads id:lat:lng[:name] entries for the memory directory.
func parseSeedDrivers(entries []string) ([]domain.DriverSummary, error) {
	drivers := make([]domain.DriverSummary, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 4)
		if len(parts) < 3 || parts[0] == "" {
			return nil, fmt.Errorf("seed driver %q: want id:lat:lng[:name]", entry)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("seed driver %q: latitude: %w", entry, err)
		}
		lng, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("seed driver %q: longitude: %w", entry, err)
		}
		if err := domain.ValidateCoordinates(lat, lng); err != nil {
			return nil, fmt.Errorf("seed driver %q: %w", entry, err)
		}
		if _, dup := seen[parts[0]]; dup {
			return nil, fmt.Errorf("seed driver %q: duplicate id", entry)
		}
		seen[parts[0]] = struct{}{}
		d := domain.DriverSummary{ID: parts[0], Lat: lat, Lng: lng}
		if len(parts) == 4 {
			d.Name = parts[3]
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}
