// Package geocode is the Geocoder Adapter (C5 in SPEC_FULL.md): forward and
// reverse geocoding used by the Session Engine to validate a customer's
// location. The adapter itself never decides service-area eligibility
// (spec.md §4.5) — that is the Session Engine's job.
package geocode

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"googlemaps.github.io/maps"

	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

var geocodeTracer = otel.Tracer("locksmith.internal.geocode")

// ErrNotFound means the geocoder could not resolve the input to a location.
var ErrNotFound = errors.New("geocode: not found")

// Location is a resolved point with its containing city.
type Location struct {
	Latitude  float64
	Longitude float64
	City      string
	Formatted string
}

// Geocoder resolves addresses to coordinates and back.
type Geocoder interface {
	Forward(ctx context.Context, address string) (Location, error)
	Reverse(ctx context.Context, lat, lng float64) (Location, error)
}

// GoogleGeocoder implements Geocoder against the Google Maps Geocoding API.
// This is the one dependency with no teacher precedent: the teacher never
// geocodes anything, so the Go ecosystem's direct equivalent of
// original_source's googlemaps client was adopted instead (see DESIGN.md).
type GoogleGeocoder struct {
	client *maps.Client
	logger *logging.Logger
}

// NewGoogleGeocoder builds a geocoder from an API key.
func NewGoogleGeocoder(apiKey string, logger *logging.Logger) (*GoogleGeocoder, error) {
	if logger == nil {
		logger = logging.Default()
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleGeocoder{client: client, logger: logger}, nil
}

func (g *GoogleGeocoder) Forward(ctx context.Context, address string) (Location, error) {
	ctx, span := geocodeTracer.Start(ctx, "geocode.forward")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.address", address))

	resp, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		span.RecordError(err)
		return Location{}, err
	}
	if len(resp) == 0 {
		return Location{}, ErrNotFound
	}
	return toLocation(resp[0]), nil
}

func (g *GoogleGeocoder) Reverse(ctx context.Context, lat, lng float64) (Location, error) {
	ctx, span := geocodeTracer.Start(ctx, "geocode.reverse")
	defer span.End()

	resp, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lng},
	})
	if err != nil {
		span.RecordError(err)
		return Location{}, err
	}
	if len(resp) == 0 {
		return Location{}, ErrNotFound
	}
	return toLocation(resp[0]), nil
}

func toLocation(result maps.GeocodingResult) Location {
	loc := Location{
		Latitude:  result.Geometry.Location.Lat,
		Longitude: result.Geometry.Location.Lng,
		Formatted: result.FormattedAddress,
	}
	for _, comp := range result.AddressComponents {
		for _, t := range comp.Types {
			if t == "locality" {
				loc.City = comp.LongName
			}
		}
	}
	return loc
}
