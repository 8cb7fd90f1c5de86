// README: Feed-backed sources: weather, flights, concerts. Each fetches a
// JSON document from a configured endpoint and maps rows to observations.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"alon/internal/config"
	"alon/internal/types"
)

func fetchJSON(ctx context.Context, client *http.Client, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// WeatherSource reads a station feed of current conditions.
type WeatherSource struct {
	interval time.Duration
	endpoint string
	region   types.ID
	client   *http.Client
}

func NewWeatherSource(cfg config.SourceConfig) *WeatherSource {
	return &WeatherSource{
		interval: cfg.Interval(),
		endpoint: cfg.Endpoint,
		region:   types.ID(cfg.RegionID),
		client:   &http.Client{Timeout: PollTimeout},
	}
}

func (s *WeatherSource) Name() string            { return "weather" }
func (s *WeatherSource) Interval() time.Duration { return s.interval }

type weatherFeed struct {
	Stations []struct {
		RegionID   string    `json:"region_id"`
		Lat        float64   `json:"lat"`
		Lng        float64   `json:"lng"`
		RainfallMM float64   `json:"rainfall_mm"`
		WindKPH    float64   `json:"wind_kph"`
		Condition  string    `json:"condition"`
		RadiusKm   float64   `json:"radius_km"`
		ObservedAt time.Time `json:"observed_at"`
	} `json:"stations"`
}

func (s *WeatherSource) Poll(ctx context.Context) ([]Observation, error) {
	var feed weatherFeed
	if err := fetchJSON(ctx, s.client, s.endpoint, &feed); err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(feed.Stations))
	for _, st := range feed.Stations {
		region := types.ID(st.RegionID)
		if region == "" {
			region = s.region
		}
		out = append(out, Observation{
			Type:      TypeWeather,
			RegionID:  region,
			Center:    types.Point{Lat: st.Lat, Lng: st.Lng},
			RadiusKm:  st.RadiusKm,
			StartTime: st.ObservedAt,
			Weather: &WeatherSignal{
				RainfallMM: st.RainfallMM,
				WindKPH:    st.WindKPH,
				Condition:  st.Condition,
			},
		})
	}
	return out, nil
}

// FlightsSource reads an arrivals/departures feed.
type FlightsSource struct {
	interval time.Duration
	endpoint string
	region   types.ID
	client   *http.Client
}

func NewFlightsSource(cfg config.SourceConfig) *FlightsSource {
	return &FlightsSource{
		interval: cfg.Interval(),
		endpoint: cfg.Endpoint,
		region:   types.ID(cfg.RegionID),
		client:   &http.Client{Timeout: PollTimeout},
	}
}

func (s *FlightsSource) Name() string            { return "flights" }
func (s *FlightsSource) Interval() time.Duration { return s.interval }

type flightsFeed struct {
	Flights []struct {
		Kind        string    `json:"kind"` // arrival|departure
		RegionID    string    `json:"region_id"`
		Airport     string    `json:"airport"`
		Lat         float64   `json:"lat"`
		Lng         float64   `json:"lng"`
		DelayMin    int       `json:"delay_min"`
		Passengers  int       `json:"passengers"`
		ScheduledAt time.Time `json:"scheduled_at"`
	} `json:"flights"`
}

func (s *FlightsSource) Poll(ctx context.Context) ([]Observation, error) {
	var feed flightsFeed
	if err := fetchJSON(ctx, s.client, s.endpoint, &feed); err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(feed.Flights))
	for _, fl := range feed.Flights {
		t := TypeFlightDeparture
		if fl.Kind == "arrival" {
			t = TypeFlightArrival
		}
		region := types.ID(fl.RegionID)
		if region == "" {
			region = s.region
		}
		out = append(out, Observation{
			Type:      t,
			RegionID:  region,
			Center:    types.Point{Lat: fl.Lat, Lng: fl.Lng},
			StartTime: fl.ScheduledAt,
			Flight: &FlightSignal{
				DelayMin:   fl.DelayMin,
				Passengers: fl.Passengers,
			},
		})
	}
	return out, nil
}

// ConcertsSource reads a venue events feed.
type ConcertsSource struct {
	interval time.Duration
	endpoint string
	region   types.ID
	client   *http.Client
}

func NewConcertsSource(cfg config.SourceConfig) *ConcertsSource {
	return &ConcertsSource{
		interval: cfg.Interval(),
		endpoint: cfg.Endpoint,
		region:   types.ID(cfg.RegionID),
		client:   &http.Client{Timeout: PollTimeout},
	}
}

func (s *ConcertsSource) Name() string            { return "concerts" }
func (s *ConcertsSource) Interval() time.Duration { return s.interval }

type concertsFeed struct {
	Events []struct {
		RegionID           string    `json:"region_id"`
		Venue              string    `json:"venue"`
		Lat                float64   `json:"lat"`
		Lng                float64   `json:"lng"`
		ExpectedAttendance int       `json:"expected_attendance"`
		StartsAt           time.Time `json:"starts_at"`
		EndsAt             time.Time `json:"ends_at"`
	} `json:"events"`
}

func (s *ConcertsSource) Poll(ctx context.Context) ([]Observation, error) {
	var feed concertsFeed
	if err := fetchJSON(ctx, s.client, s.endpoint, &feed); err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(feed.Events))
	for _, ev := range feed.Events {
		region := types.ID(ev.RegionID)
		if region == "" {
			region = s.region
		}
		out = append(out, Observation{
			Type:      TypeConcert,
			RegionID:  region,
			Center:    types.Point{Lat: ev.Lat, Lng: ev.Lng},
			StartTime: ev.StartsAt,
			EndTime:   ev.EndsAt,
			Crowd:     &CrowdSignal{ExpectedAttendance: ev.ExpectedAttendance},
		})
	}
	return out, nil
}
