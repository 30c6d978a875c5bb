package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/rideflow/internal/ride/domain"
)

// HTTPClient talks to the driver service REST API:
//
//	GET  /api/drivers/nearby?latitude=..&longitude=..&limit=..
//	POST /api/drivers/{id}/status?status=..
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client. A nil http.Client gets a 3s timeout.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// wireID accepts both numeric and string identifiers.
type wireID string

func (id *wireID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = wireID(s)
		return nil
	}
	*id = wireID(bytes.TrimSpace(b))
	return nil
}

type nearbyDriver struct {
	ID        wireID  `json:"id"`
	Username  string  `json:"username"`
	Phone     string  `json:"phone"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c *HTTPClient) FindNearby(ctx context.Context, lat, lng float64, limit int) ([]domain.DriverSummary, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/drivers/nearby?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build nearby request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}

	var payload []nearbyDriver
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode nearby drivers: %w", err)
	}
	out := make([]domain.DriverSummary, 0, len(payload))
	for _, d := range payload {
		out = append(out, domain.DriverSummary{
			ID:    string(d.ID),
			Name:  d.Username,
			Phone: d.Phone,
			Lat:   d.Latitude,
			Lng:   d.Longitude,
		})
	}
	return out, nil
}

func (c *HTTPClient) SetDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	endpoint := fmt.Sprintf("%s/api/drivers/%s/status?status=%s", c.baseURL, url.PathEscape(driverID), url.QueryEscape(string(status)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("set driver %s status: %w", driverID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("set driver %s status: %w", driverID, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
