package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"alon/internal/types"
)

// CongestionService reads live corridor congestion from the Distance Matrix API.
type CongestionService struct {
	client *maps.Client
}

// NewCongestionService creates a CongestionService with the given API Key.
func NewCongestionService(apiKey string) (*CongestionService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &CongestionService{client: client}, nil
}

// Ratio returns current travel time over free-flow travel time for one
// driving segment. 1.0 is free flow; 2.0 means the trip takes twice as long.
func (s *CongestionService) Ratio(ctx context.Context, origin, dest types.Point) (float64, error) {
	r := &maps.DistanceMatrixRequest{
		Origins:       []string{fmt.Sprintf("%f,%f", origin.Lat, origin.Lng)},
		Destinations:  []string{fmt.Sprintf("%f,%f", dest.Lat, dest.Lng)},
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
		TrafficModel:  maps.TrafficModelBestGuess,
		Language:      "en",
		Region:        "PH", // Bias results to the Philippines
	}

	resp, err := s.client.DistanceMatrix(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}

	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("no matrix element for segment")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("matrix element status %s", el.Status)
	}
	if el.Duration <= 0 || el.DurationInTraffic <= 0 {
		return 0, fmt.Errorf("no traffic data for segment")
	}

	return float64(el.DurationInTraffic) / float64(el.Duration), nil
}
