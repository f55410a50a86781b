package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	APIKey   string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint, apiKey string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMClient{Endpoint: endpoint, APIKey: apiKey, Profile: "driving", Client: &http.Client{Timeout: timeout}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64         `json:"distance"`
		Duration float64         `json:"duration"`
		Geometry json.RawMessage `json:"geometry"`
		Legs     []struct {
			Steps []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
				Name     string  `json:"name"`
				Maneuver struct {
					Type     string `json:"type"`
					Modifier string `json:"modifier"`
				} `json:"maneuver"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

// Route queries OSRM /route between two points.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord, opts Options) (Route, error) {
	profile := o.Profile
	if opts.Profile != "" {
		profile = opts.Profile
	}
	// /route/v1/{profile}/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&steps=true",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	route := Route{
		DistanceKm:  r.Distance / 1000,
		DurationMin: r.Duration / 60,
		Geometry:    r.Geometry,
	}
	for _, leg := range r.Legs {
		for _, st := range leg.Steps {
			route.Instructions = append(route.Instructions, Instruction{
				Text:       instructionText(st.Maneuver.Type, st.Maneuver.Modifier, st.Name),
				DistanceKm: st.Distance / 1000,
				DurationS:  st.Duration,
			})
		}
	}
	return route, nil
}

func instructionText(kind, modifier, name string) string {
	s := kind
	if modifier != "" {
		s += " " + modifier
	}
	if name != "" {
		s += " onto " + name
	}
	return s
}
