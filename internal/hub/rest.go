package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"hearth/internal/httpkit"
)

// Registry kinds accepted by FetchRegistry.
const (
	RegistryAreas    = "area_registry/list"
	RegistryDevices  = "device_registry/list"
	RegistryEntities = "entity_registry/list"
)

// AreaEntry is one item of the hub's area registry.
type AreaEntry struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Icon    string   `json:"icon"`
	Aliases []string `json:"aliases"`
}

// DeviceEntry is one item of the hub's device registry.
type DeviceEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	AreaID       string `json:"area_id"`
}

// EntityEntry is one item of the hub's entity registry.
type EntityEntry struct {
	EntityID   string `json:"entity_id"`
	Name       string `json:"name"`
	AreaID     string `json:"area_id"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	DisabledBy string `json:"disabled_by"`
}

// State is one entry of the hub's flattened state list.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, if present.
func (s State) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok {
		return fn
	}
	return ""
}

// DeviceClass returns the device_class attribute, if present.
func (s State) DeviceClass() string {
	if dc, ok := s.Attributes["device_class"].(string); ok {
		return dc
	}
	return ""
}

// Domain returns the part of the entity id before the dot.
func (s State) Domain() string {
	for i, r := range s.EntityID {
		if r == '.' {
			return s.EntityID[:i]
		}
	}
	return ""
}

// FetchRegistry pulls one of the hub's registries. Registry reads
// always go over REST, independent of the live session — bulk reads
// are more reliable there than on the socket.
func (c *Client) FetchRegistry(ctx context.Context, kind string, out any) error {
	return c.getJSON(ctx, "/api/config/"+kind, out)
}

// FetchAreaRegistry pulls the area registry.
func (c *Client) FetchAreaRegistry(ctx context.Context) ([]AreaEntry, error) {
	var areas []AreaEntry
	if err := c.FetchRegistry(ctx, RegistryAreas, &areas); err != nil {
		return nil, fmt.Errorf("fetch area registry: %w", err)
	}
	return areas, nil
}

// FetchDeviceRegistry pulls the device registry.
func (c *Client) FetchDeviceRegistry(ctx context.Context) ([]DeviceEntry, error) {
	var devices []DeviceEntry
	if err := c.FetchRegistry(ctx, RegistryDevices, &devices); err != nil {
		return nil, fmt.Errorf("fetch device registry: %w", err)
	}
	return devices, nil
}

// FetchEntityRegistry pulls the entity registry.
func (c *Client) FetchEntityRegistry(ctx context.Context) ([]EntityEntry, error) {
	var entities []EntityEntry
	if err := c.FetchRegistry(ctx, RegistryEntities, &entities); err != nil {
		return nil, fmt.Errorf("fetch entity registry: %w", err)
	}
	return entities, nil
}

// FetchStates pulls the flattened state list for every entity.
func (c *Client) FetchStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.getJSON(ctx, "/api/states", &states); err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	return states, nil
}

// Ping checks that the hub's REST API is reachable and the token is
// accepted.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.getJSON(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// callServiceREST is the degraded path for CallService when the
// session is down. The REST endpoint only supports entity targeting:
// area/device targets are expanded through the configured
// TargetExpander when present, otherwise submitted as-is with a
// degraded-capability warning.
func (c *Client) callServiceREST(ctx context.Context, domain, service string, target *Target, data ServiceData) ServiceResult {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}

	entityIDs := append([]string(nil), target.entityIDs()...)

	if target.NeedsExpansion() {
		if c.expander != nil {
			expanded, err := c.expander.ExpandTarget(c.tenant, target.AreaIDs, target.DeviceIDs)
			switch {
			case err != nil:
				c.logger.Warn("target expansion failed, submitting degraded payload",
					"error", err, "area_ids", target.AreaIDs, "device_ids", target.DeviceIDs)
			case len(expanded) == 0:
				c.logger.Warn("target expansion found no entities, submitting degraded payload",
					"area_ids", target.AreaIDs, "device_ids", target.DeviceIDs)
			default:
				entityIDs = append(entityIDs, expanded...)
			}
		} else {
			c.logger.Warn("REST fallback does not support area/device targeting, attempting anyway",
				"area_ids", target.AreaIDs, "device_ids", target.DeviceIDs)
		}
	}

	switch len(entityIDs) {
	case 0:
		// No entity targeting; submit the bare service data.
	case 1:
		payload["entity_id"] = entityIDs[0]
	default:
		payload["entity_id"] = entityIDs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ServiceResult{Success: false, Error: fmt.Sprintf("marshal payload: %v", err), Fallback: true}
	}

	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return ServiceResult{Success: false, Error: fmt.Sprintf("build request: %v", err), Fallback: true}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("REST fallback failed", "domain", domain, "service", service, "error", err)
		return ServiceResult{Success: false, Error: err.Error(), Fallback: true}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		c.logger.Error("REST fallback rejected",
			"domain", domain, "service", service, "status", resp.StatusCode, "body", msg)
		return ServiceResult{Success: false, Error: fmt.Sprintf("HTTP %d", resp.StatusCode), Fallback: true}
	}

	c.logger.Debug("service call served via REST fallback", "domain", domain, "service", service)
	return ServiceResult{Success: true, Fallback: true}
}

// entityIDs is a nil-safe accessor.
func (t *Target) entityIDs() []string {
	if t == nil {
		return nil
	}
	return t.EntityIDs
}

// getJSON performs a GET against the hub's REST API and decodes the
// response into result.
func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
