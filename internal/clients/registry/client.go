// Package registry resolves hostnames and IPs to ship/device identity
// against the fleet device registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// Client looks up device mappings with a per-process TTL cache. Lookups
// never return an error to callers: any transport failure yields nil and
// the caller falls back to hostname derivation. Negative results are not
// cached, so the next request retries the registry.
type Client struct {
	endpoint string
	client   *http.Client
	logger   logger.Logger
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	mapping models.DeviceMapping
	expires time.Time
}

type lookupResponse struct {
	Success bool                 `json:"success"`
	Mapping models.DeviceMapping `json:"mapping"`
}

func NewClient(cfg config.DeviceRegistryConfig, log logger.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: time.Duration(cfg.LookupTimeoutMS) * time.Millisecond,
		},
		logger: log,
		ttl:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		cache:  make(map[string]cacheEntry),
	}
}

// Lookup resolves host to a device mapping, or nil when the host is not
// resolvable. Cache hits return without network I/O.
func (c *Client) Lookup(ctx context.Context, host string) *models.DeviceMapping {
	if host == "" || host == "unknown" || host == "localhost" {
		return nil
	}

	c.mu.RLock()
	entry, ok := c.cache[host]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		m := entry.mapping
		return &m
	}

	start := time.Now()
	mapping, err := c.remoteLookup(ctx, host)
	monitoring.RecordExternalCall("device_registry", time.Since(start), err == nil)
	if err != nil {
		c.logger.Debug("Device registry lookup failed", "host", host, "error", err)
		return nil
	}
	if mapping == nil {
		return nil
	}

	c.mu.Lock()
	c.cache[host] = cacheEntry{mapping: *mapping, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return mapping
}

func (c *Client) remoteLookup(ctx context.Context, host string) (*models.DeviceMapping, error) {
	u := fmt.Sprintf("%s/lookup/%s", c.endpoint, url.PathEscape(host))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device registry returned status %d", resp.StatusCode)
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("failed to parse registry response: %w", err)
	}
	if !lr.Success || lr.Mapping.ShipID == "" {
		return nil, nil
	}
	return &lr.Mapping, nil
}

// HealthCheck probes the registry health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device registry unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
