// Package registry mirrors the hub's area, device, and entity
// catalogs into the local store. Each sync isolates its own failure:
// one registry going sideways never blocks the others, and rows that
// vanish upstream are soft-disabled rather than deleted so user
// customizations survive.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"hearth/internal/catalog"
	"hearth/internal/hub"
)

// Source is the slice of the hub client the syncer needs. The
// Connected gate is a readiness signal, not a technical requirement —
// the fetches themselves travel over REST.
type Source interface {
	Connected() bool
	FetchAreaRegistry(ctx context.Context) ([]hub.AreaEntry, error)
	FetchDeviceRegistry(ctx context.Context) ([]hub.DeviceEntry, error)
	FetchEntityRegistry(ctx context.Context) ([]hub.EntityEntry, error)
	FetchStates(ctx context.Context) ([]hub.State, error)
}

// AreaResult reports one area sync run.
type AreaResult struct {
	Created int    `json:"areas_created"`
	Updated int    `json:"areas_updated"`
	Error   string `json:"error,omitempty"`
}

// DeviceResult reports one device sync run.
type DeviceResult struct {
	Created int    `json:"devices_created"`
	Updated int    `json:"devices_updated"`
	Error   string `json:"error,omitempty"`
}

// MappingResult reports one entity→area mapping run.
type MappingResult struct {
	Updated int    `json:"entities_updated"`
	Error   string `json:"error,omitempty"`
}

// MetadataResult reports one entity metadata sync run.
type MetadataResult struct {
	Synced   int    `json:"synced"`
	Disabled int    `json:"disabled"`
	Errors   int    `json:"errors"`
	Error    string `json:"error,omitempty"`
}

// Summary aggregates one full sync. Each part carries its own error.
type Summary struct {
	Areas    AreaResult    `json:"areas"`
	Devices  DeviceResult  `json:"devices"`
	Mappings MappingResult `json:"mappings"`
}

// Syncer pulls registries from the hub and upserts them into the catalog.
type Syncer struct {
	src    Source
	store  *catalog.Store
	tenant string
	logger *slog.Logger
}

// New creates a Syncer for one tenant.
func New(src Source, store *catalog.Store, tenant string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{src: src, store: store, tenant: tenant, logger: logger}
}

// SyncAreas fetches the area registry and upserts each row. Skipped
// with an error in the result when the hub session is down.
func (s *Syncer) SyncAreas(ctx context.Context) AreaResult {
	if !s.src.Connected() {
		s.logger.Warn("hub session down, skipping area sync")
		return AreaResult{Error: "hub not connected"}
	}

	areas, err := s.src.FetchAreaRegistry(ctx)
	if err != nil {
		s.logger.Error("area sync failed", "error", err)
		return AreaResult{Error: err.Error()}
	}
	if len(areas) == 0 {
		s.logger.Warn("no areas returned from hub")
		return AreaResult{}
	}

	var res AreaResult
	for _, a := range areas {
		if a.AreaID == "" {
			continue
		}
		name := a.Name
		if name == "" {
			name = "Unknown"
		}
		created, err := s.store.UpsertArea(s.tenant, a.AreaID, name, a.Icon)
		if err != nil {
			s.logger.Error("area upsert failed", "area_id", a.AreaID, "error", err)
			res.Error = err.Error()
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	s.logger.Info("synced areas", "created", res.Created, "updated", res.Updated)
	return res
}

// SyncDevices fetches the device registry and upserts each row.
func (s *Syncer) SyncDevices(ctx context.Context) DeviceResult {
	if !s.src.Connected() {
		s.logger.Warn("hub session down, skipping device sync")
		return DeviceResult{Error: "hub not connected"}
	}

	devices, err := s.src.FetchDeviceRegistry(ctx)
	if err != nil {
		s.logger.Error("device sync failed", "error", err)
		return DeviceResult{Error: err.Error()}
	}
	if len(devices) == 0 {
		s.logger.Warn("no devices returned from hub")
		return DeviceResult{}
	}

	var res DeviceResult
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		created, err := s.store.UpsertDevice(s.tenant, d.ID, name, d.Manufacturer, d.Model, d.AreaID)
		if err != nil {
			s.logger.Error("device upsert failed", "device_id", d.ID, "error", err)
			res.Error = err.Error()
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	s.logger.Info("synced devices", "created", res.Created, "updated", res.Updated)
	return res
}

// SyncEntityAreaMappings walks the entity registry and assigns each
// entity the area of its device. The device linkage is the only path
// that sets an entity's area; a missing device row leaves the entity
// untouched.
func (s *Syncer) SyncEntityAreaMappings(ctx context.Context) MappingResult {
	if !s.src.Connected() {
		s.logger.Warn("hub session down, skipping entity area mapping")
		return MappingResult{Error: "hub not connected"}
	}

	entries, err := s.src.FetchEntityRegistry(ctx)
	if err != nil {
		s.logger.Error("entity area mapping failed", "error", err)
		return MappingResult{Error: err.Error()}
	}
	if len(entries) == 0 {
		s.logger.Warn("no entities returned from hub")
		return MappingResult{}
	}

	var res MappingResult
	for _, e := range entries {
		if e.EntityID == "" || e.DeviceID == "" {
			continue
		}

		areaID, found, err := s.store.DeviceAreaID(s.tenant, e.DeviceID)
		if err != nil {
			s.logger.Error("device lookup failed", "device_id", e.DeviceID, "error", err)
			res.Error = err.Error()
			continue
		}
		if !found {
			continue
		}

		updated, err := s.store.SetEntityArea(s.tenant, e.EntityID, areaID)
		if err != nil {
			s.logger.Error("entity area update failed", "entity_id", e.EntityID, "error", err)
			res.Error = err.Error()
			continue
		}
		if updated {
			res.Updated++
		}
	}

	s.logger.Info("updated entity area mappings", "updated", res.Updated)
	return res
}

// SyncAll runs the three registry syncs in sequence. Each reports its
// own error; a failure in one does not block the others.
func (s *Syncer) SyncAll(ctx context.Context) Summary {
	s.logger.Info("starting registry sync")

	summary := Summary{
		Areas:    s.SyncAreas(ctx),
		Devices:  s.SyncDevices(ctx),
		Mappings: s.SyncEntityAreaMappings(ctx),
	}

	s.logger.Info("registry sync complete",
		"areas_created", summary.Areas.Created,
		"areas_updated", summary.Areas.Updated,
		"devices_created", summary.Devices.Created,
		"devices_updated", summary.Devices.Updated,
		"entities_mapped", summary.Mappings.Updated,
	)
	return summary
}

// SyncEntityMetadata refreshes hub-owned entity metadata from the
// flattened state list: domain, friendly name, device class, last
// seen, enabled. User-owned columns (aliases, rules, notes) are never
// touched. Previously-enabled entities absent from the fetch are
// soft-disabled; rows are never deleted.
func (s *Syncer) SyncEntityMetadata(ctx context.Context) MetadataResult {
	states, err := s.src.FetchStates(ctx)
	if err != nil {
		s.logger.Error("entity metadata sync failed", "error", err)
		return MetadataResult{Errors: 1, Error: err.Error()}
	}
	s.logger.Info("fetched entity states from hub", "count", len(states))

	existing, err := s.store.EnabledEntityIDs(s.tenant)
	if err != nil {
		s.logger.Error("entity metadata sync failed", "error", err)
		return MetadataResult{Errors: 1, Error: err.Error()}
	}
	existingSet := make(map[string]bool, len(existing))
	for _, id := range existing {
		existingSet[id] = true
	}

	var res MetadataResult
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		if st.EntityID == "" {
			continue
		}
		seen[st.EntityID] = true

		_, err := s.store.UpsertEntityMeta(s.tenant, catalog.EntityMeta{
			EntityID:     st.EntityID,
			Domain:       st.Domain(),
			FriendlyName: st.FriendlyName(),
			DeviceClass:  st.DeviceClass(),
		})
		if err != nil {
			s.logger.Error("entity upsert failed", "entity_id", st.EntityID, "error", err)
			res.Errors++
			continue
		}
		res.Synced++
	}

	var missing []string
	for id := range existingSet {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		n, err := s.store.DisableEntities(s.tenant, missing)
		if err != nil {
			s.logger.Error("disable missing entities failed", "error", err)
			res.Errors++
		} else {
			res.Disabled = n
			s.logger.Info("marked missing entities disabled", "count", n)
		}
	}

	s.logger.Info("entity metadata sync complete",
		"synced", res.Synced, "disabled", res.Disabled, "errors", res.Errors)
	return res
}

// String renders a one-line summary for CLI output.
func (sum Summary) String() string {
	return fmt.Sprintf("areas %d/%d, devices %d/%d, mappings %d",
		sum.Areas.Created, sum.Areas.Updated,
		sum.Devices.Created, sum.Devices.Updated,
		sum.Mappings.Updated)
}
