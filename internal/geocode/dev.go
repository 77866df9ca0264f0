package geocode

import "context"

// DevGeocoder resolves everything to a fixed city, mirroring
// original_source's development-mode relaxation ("if app_env ==
// development: city = 'Laredo'"). Used when GEOCODER_API_KEY is unset so a
// local environment can exercise the full funnel without network access.
type DevGeocoder struct {
	City string
}

// NewDevGeocoder returns a geocoder that always resolves to city.
func NewDevGeocoder(city string) *DevGeocoder {
	if city == "" {
		city = "Laredo"
	}
	return &DevGeocoder{City: city}
}

func (g *DevGeocoder) Forward(_ context.Context, _ string) (Location, error) {
	return Location{City: g.City, Formatted: g.City}, nil
}

func (g *DevGeocoder) Reverse(_ context.Context, lat, lng float64) (Location, error) {
	return Location{Latitude: lat, Longitude: lng, City: g.City, Formatted: g.City}, nil
}
