package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedyvan/dispatch/internal/models"
)

type failingClient struct{ calls int }

func (f *failingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return 0, errors.New("routing down")
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	c := &failingClient{}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	from := models.Coord{Lat: 51.50, Lon: -0.12}
	to := models.Coord{Lat: 51.51, Lon: -0.12}

	first := e.Seconds(context.Background(), from, to)
	assert.InDelta(t, 111.2, first, 1.0)

	// second lookup is served by the cache
	second := e.Seconds(context.Background(), from, to)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.calls)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/1.000000,1.000000;2.000000,2.000000", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("overview"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2})
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
}

func TestOSRMClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("overview") != "false" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/route/v1/driving/0.000000") {
			_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"InvalidQuery","message":"bad coordinates"}`))
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL)

	_, err := c.EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1, Lon: 1})
	assert.ErrorContains(t, err, "NoRoute")

	_, err = c.EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2})
	assert.ErrorContains(t, err, "status 400")
	assert.ErrorContains(t, err, "bad coordinates")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.EstimateSeconds(ctx, models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2})
	assert.ErrorIs(t, err, context.Canceled)
}
