package eta

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/speedyvan/dispatch/internal/models"
)

// OSRMClient asks an OSRM routing server for driving durations.
type OSRMClient struct {
	client *resty.Client
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{client: resty.New().
		SetBaseURL(endpoint).
		SetTimeout(2 * time.Second).
		SetHeader("Accept", "application/json")}
}

// EstimateSeconds returns the driving duration between two points.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from models.Coord, to models.Coord) (float64, error) {
	var out, failed osrmRoute
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParam("overview", "false").
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&failed).
		Get(fmt.Sprintf("/route/v1/driving/%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat))
	if err != nil {
		return 0, fmt.Errorf("osrm route: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("osrm route: status %d: %s %s", resp.StatusCode(), failed.Code, failed.Message)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %s", out.Code)
	}
	return out.Routes[0].Duration, nil
}
