package hub

import (
	"encoding/json"
	"fmt"
)

// Target identifies what a service call acts on. Exactly the fields
// that are set appear on the wire, in the hub's
// {"entity_id":[...],"area_id":[...],"device_id":[...]} shape.
type Target struct {
	EntityIDs []string `json:"entity_id,omitempty"`
	AreaIDs   []string `json:"area_id,omitempty"`
	DeviceIDs []string `json:"device_id,omitempty"`
}

// IsZero reports whether the target selects nothing.
func (t *Target) IsZero() bool {
	return t == nil || (len(t.EntityIDs) == 0 && len(t.AreaIDs) == 0 && len(t.DeviceIDs) == 0)
}

// NeedsExpansion reports whether the target uses area or device
// addressing, which the REST fallback cannot submit directly.
func (t *Target) NeedsExpansion() bool {
	return t != nil && (len(t.AreaIDs) > 0 || len(t.DeviceIDs) > 0)
}

// EntityTarget builds a target addressing the given entities.
func EntityTarget(entityIDs ...string) *Target {
	return &Target{EntityIDs: entityIDs}
}

// AreaTarget builds a target addressing the given areas.
func AreaTarget(areaIDs ...string) *Target {
	return &Target{AreaIDs: areaIDs}
}

// DeviceTarget builds a target addressing the given devices.
func DeviceTarget(deviceIDs ...string) *Target {
	return &Target{DeviceIDs: deviceIDs}
}

// ServiceData carries the free-form service parameters (brightness,
// color, position, ...). Values must be JSON-encodable.
type ServiceData map[string]any

// Validate rejects keys that would collide with the REST fallback's
// flattened entity_id field or fail to encode.
func (d ServiceData) Validate() error {
	for k, v := range d {
		if k == "entity_id" {
			return fmt.Errorf("service_data key %q collides with targeting; use a Target", k)
		}
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("service_data key %q is not JSON-encodable: %w", k, err)
		}
	}
	return nil
}

// ServiceResult is the structured outcome of a service call, whether
// it travelled over the live session or the REST fallback.
type ServiceResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Fallback is true when the call was served by the REST API
	// rather than the live session.
	Fallback bool `json:"fallback,omitempty"`
}

// TargetExpander converts area/device addressing into concrete entity
// ids for the REST fallback, which only supports entity targeting.
// Wired from the catalog in main to keep this package free of store
// dependencies; when nil, the fallback submits the degraded payload
// and logs a warning.
type TargetExpander interface {
	ExpandTarget(tenant string, areaIDs, deviceIDs []string) ([]string, error)
}
