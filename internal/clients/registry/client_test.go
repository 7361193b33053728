package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/pkg/logger"
)

func newTestClient(endpoint string) *Client {
	return NewClient(config.DeviceRegistryConfig{
		Endpoint:        endpoint,
		CacheTTLSeconds: 300,
		LookupTimeoutMS: 1000,
	}, logger.New("error"))
}

func mappingHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		switch r.URL.Path {
		case "/lookup/alpha-engine-02":
			w.Write([]byte(`{
				"success": true,
				"mapping": {
					"ship_id": "alpha-ship",
					"device_id": "engine-monitor-2",
					"device_type": "sensor_hub",
					"location": "engine_room"
				}
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestLookupResolvesMapping(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(mappingHandler(&calls))
	defer srv.Close()

	c := newTestClient(srv.URL)
	m := c.Lookup(context.Background(), "alpha-engine-02")
	require.NotNil(t, m)
	assert.Equal(t, "alpha-ship", m.ShipID)
	assert.Equal(t, "engine-monitor-2", m.DeviceID)
	assert.Equal(t, "engine_room", m.Location)
}

func TestLookupCachesPositiveResults(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(mappingHandler(&calls))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NotNil(t, c.Lookup(context.Background(), "alpha-engine-02"))
	require.NotNil(t, c.Lookup(context.Background(), "alpha-engine-02"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLookupDoesNotCacheNegatives(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(mappingHandler(&calls))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Nil(t, c.Lookup(context.Background(), "ghost-host"))
	assert.Nil(t, c.Lookup(context.Background(), "ghost-host"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "negative lookups retry the registry")
}

func TestLookupSkipsUnresolvableHosts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(mappingHandler(&calls))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Nil(t, c.Lookup(context.Background(), ""))
	assert.Nil(t, c.Lookup(context.Background(), "unknown"))
	assert.Nil(t, c.Lookup(context.Background(), "localhost"))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestLookupUnreachableRegistry(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	assert.Nil(t, c.Lookup(context.Background(), "alpha-engine-02"))
}

func TestLookupRejectsUnsuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "mapping": {"ship_id": ""}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.Nil(t, c.Lookup(context.Background(), "alpha-engine-02"))
}
