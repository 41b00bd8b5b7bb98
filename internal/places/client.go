// Package places resolves a user's location to nearby physical stores via
// the places API, with per-location caching.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/audit"
	"github.com/grocerlabs/pricescout/internal/cache"
	"github.com/grocerlabs/pricescout/internal/pricing"
)

// maxRadiusMiles is the upstream API ceiling (50 km). Larger requests are
// silently clamped, not rejected.
const maxRadiusMiles = 31.07

// earthRadiusMiles feeds the haversine distance calculation.
const earthRadiusMiles = 3959.0

// Config controls the places client.
type Config struct {
	BaseURL  string
	APIKey   string
	CacheTTL time.Duration
}

// Client calls the places nearby-search API.
type Client struct {
	cfg      Config
	http     *http.Client
	cache    *cache.TTL[[]pricing.LocalStore]
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewClient constructs a Client. recorder may be nil to skip request logging.
func NewClient(cfg Config, recorder *audit.Recorder, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://places.googleapis.com"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 15 * time.Second},
		cache:    cache.New[[]pricing.LocalStore](cfg.CacheTTL),
		recorder: recorder,
		logger:   logger,
	}
}

type nearbyRequest struct {
	IncludedTypes       []string `json:"includedTypes,omitempty"`
	MaxResultCount      int      `json:"maxResultCount"`
	LocationRestriction struct {
		Circle struct {
			Center struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"center"`
			RadiusMeters float64 `json:"radius"`
		} `json:"circle"`
	} `json:"locationRestriction"`
}

type nearbyResponse struct {
	Places []struct {
		ID          string `json:"id"`
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
		FormattedAddress string `json:"formattedAddress"`
		Location         struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
		Types      []string `json:"types"`
		WebsiteURI string   `json:"websiteUri"`
		Rating     float64  `json:"rating"`
	} `json:"places"`
}

// NearbyStores returns physical stores around (lat, lng), deduplicated by
// place ID, with haversine distances attached. Warehouse clubs are surfaced
// first when that category was requested. Each (lat,lng,radius,types) tuple
// is cached independently for the configured TTL.
func (c *Client) NearbyStores(ctx context.Context, lat, lng, radiusMiles float64, categories []string) ([]pricing.LocalStore, error) {
	if radiusMiles <= 0 {
		radiusMiles = 10
	}
	if radiusMiles > maxRadiusMiles {
		radiusMiles = maxRadiusMiles
	}

	key := cacheKey(lat, lng, radiusMiles, categories)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	var req nearbyRequest
	req.IncludedTypes = placeTypes(categories)
	req.MaxResultCount = 20
	req.LocationRestriction.Circle.Center.Latitude = lat
	req.LocationRestriction.Circle.Center.Longitude = lng
	req.LocationRestriction.Circle.RadiusMeters = radiusMiles * 1609.34

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal places request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/places:searchNearby", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build places request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.cfg.APIKey)
	httpReq.Header.Set("X-Goog-FieldMask",
		"places.id,places.displayName,places.formattedAddress,places.location,places.types,places.websiteUri,places.rating")

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("places call: %w", err)
		c.record(ctx, string(raw), "", started, err)
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close places response body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("places API returned status %d", resp.StatusCode)
		c.record(ctx, string(raw), "", started, err)
		return nil, err
	}

	var body nearbyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		err = fmt.Errorf("decode places response: %w", err)
		c.record(ctx, string(raw), "", started, err)
		return nil, err
	}
	c.record(ctx, string(raw), fmt.Sprintf("%d places", len(body.Places)), started, nil)

	seen := make(map[string]struct{}, len(body.Places))
	stores := make([]pricing.LocalStore, 0, len(body.Places))
	for _, p := range body.Places {
		if p.ID == "" {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		stores = append(stores, pricing.LocalStore{
			PlaceID:       p.ID,
			Name:          p.DisplayName.Text,
			Address:       p.FormattedAddress,
			Latitude:      p.Location.Latitude,
			Longitude:     p.Location.Longitude,
			DistanceMiles: Haversine(lat, lng, p.Location.Latitude, p.Location.Longitude),
			Category:      categoryFromTypes(p.Types),
			Website:       p.WebsiteURI,
			Rating:        p.Rating,
		})
	}

	if wantsWarehouse(categories) {
		stores = surfaceWarehouseClubs(stores)
	}

	c.cache.Set(key, stores)
	return stores, nil
}

func (c *Client) record(ctx context.Context, request, response string, started time.Time, err error) {
	c.recorder.Record(ctx, audit.Call{
		Service:     pricing.ServicePlaces,
		RequestType: "nearby_search",
		Request:     request,
		Response:    response,
		Started:     started,
		Err:         err,
	})
}

// Haversine returns the great-circle distance in miles between two points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMiles * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// cacheKey rounds coordinates to 4 decimal places (~11 m) so near-identical
// requests share a cache entry.
func cacheKey(lat, lng, radius float64, categories []string) string {
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)
	return fmt.Sprintf("%.4f|%.4f|%.1f|%s", lat, lng, radius, strings.Join(sorted, ","))
}

// Chain-name substrings identifying warehouse clubs. Upstream place types
// for these vendors are unreliable, so names are matched instead.
var warehouseChains = []string{"costco", "sam's club", "sams club", "bj's wholesale"}

func isWarehouseClub(name string) bool {
	lower := strings.ToLower(name)
	for _, chain := range warehouseChains {
		if strings.Contains(lower, chain) {
			return true
		}
	}
	return false
}

// surfaceWarehouseClubs moves warehouse-club results to the front while
// keeping relative order within each group.
func surfaceWarehouseClubs(stores []pricing.LocalStore) []pricing.LocalStore {
	out := make([]pricing.LocalStore, 0, len(stores))
	var rest []pricing.LocalStore
	for _, s := range stores {
		if isWarehouseClub(s.Name) {
			s.Category = "warehouse"
			out = append(out, s)
		} else {
			rest = append(rest, s)
		}
	}
	return append(out, rest...)
}

func wantsWarehouse(categories []string) bool {
	for _, c := range categories {
		if c == "warehouse" {
			return true
		}
	}
	return false
}

// placeTypes translates registry categories to upstream place types.
func placeTypes(categories []string) []string {
	var out []string
	for _, c := range categories {
		switch c {
		case "grocery":
			out = append(out, "grocery_store", "supermarket")
		case "warehouse":
			out = append(out, "warehouse_store")
		case "electronics":
			out = append(out, "electronics_store")
		case "pharmacy":
			out = append(out, "pharmacy", "drugstore")
		case "home_improvement":
			out = append(out, "home_improvement_store", "hardware_store")
		default:
			out = append(out, "department_store")
		}
	}
	return out
}

func categoryFromTypes(types []string) string {
	for _, t := range types {
		switch t {
		case "grocery_store", "supermarket":
			return "grocery"
		case "warehouse_store":
			return "warehouse"
		case "electronics_store":
			return "electronics"
		case "pharmacy", "drugstore":
			return "pharmacy"
		case "home_improvement_store", "hardware_store":
			return "home_improvement"
		}
	}
	return "general"
}
