package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"hearth/internal/catalog"
	"hearth/internal/hub"
)

const tenant = "default"

// fakeSource is a canned-response hub for sync tests.
type fakeSource struct {
	connected bool
	areas     []hub.AreaEntry
	devices   []hub.DeviceEntry
	entries   []hub.EntityEntry
	states    []hub.State
	err       error
}

func (f *fakeSource) Connected() bool { return f.connected }

func (f *fakeSource) FetchAreaRegistry(context.Context) ([]hub.AreaEntry, error) {
	return f.areas, f.err
}

func (f *fakeSource) FetchDeviceRegistry(context.Context) ([]hub.DeviceEntry, error) {
	return f.devices, f.err
}

func (f *fakeSource) FetchEntityRegistry(context.Context) ([]hub.EntityEntry, error) {
	return f.entries, f.err
}

func (f *fakeSource) FetchStates(context.Context) ([]hub.State, error) {
	return f.states, f.err
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncAreasCreatedAndUpdated(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		connected: true,
		areas: []hub.AreaEntry{
			{AreaID: "kitchen", Name: "Kitchen"},
			{AreaID: "office", Name: "Office", Icon: "mdi:desk"},
			{AreaID: "", Name: "Ghost"}, // skipped
		},
	}

	syncer := New(src, store, tenant, nil)
	res := syncer.SyncAreas(context.Background())

	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Created != 2 || res.Updated != 0 {
		t.Errorf("first run: got created=%d updated=%d, want 2/0", res.Created, res.Updated)
	}

	// Second run over the same data updates everything.
	res = syncer.SyncAreas(context.Background())
	if res.Created != 0 || res.Updated != 2 {
		t.Errorf("second run: got created=%d updated=%d, want 0/2", res.Created, res.Updated)
	}
}

func TestSyncAreasNotConnected(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: false}

	syncer := New(src, store, tenant, nil)
	res := syncer.SyncAreas(context.Background())

	if res.Error != "hub not connected" {
		t.Errorf("got error %q, want hub not connected", res.Error)
	}
	if res.Created != 0 || res.Updated != 0 {
		t.Error("disconnected sync must not touch the store")
	}
}

func TestSyncAreasNamelessFallback(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		connected: true,
		areas:     []hub.AreaEntry{{AreaID: "a1"}},
	}

	syncer := New(src, store, tenant, nil)
	if res := syncer.SyncAreas(context.Background()); res.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", res)
	}

	areas, err := store.Areas(tenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(areas) != 1 || areas[0].Name != "Unknown" {
		t.Errorf("nameless area should get fallback name, got %+v", areas)
	}
}

func TestSyncDevices(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		connected: true,
		devices: []hub.DeviceEntry{
			{ID: "dev1", Name: "Lamp", Manufacturer: "Acme", Model: "L-1", AreaID: "office"},
			{ID: "", Name: "Ghost"}, // skipped
		},
	}

	syncer := New(src, store, tenant, nil)
	res := syncer.SyncDevices(context.Background())

	if res.Created != 1 || res.Updated != 0 {
		t.Errorf("got created=%d updated=%d, want 1/0", res.Created, res.Updated)
	}

	devices, err := store.Devices(tenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].AreaID != "office" {
		t.Errorf("device row: %+v", devices)
	}
}

func TestSyncEntityAreaMappings(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.UpsertDevice(tenant, "dev1", "Lamp", "", "", "office"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"light.a", "light.orphan"} {
		if _, err := store.UpsertEntityMeta(tenant, catalog.EntityMeta{EntityID: id, Domain: "light"}); err != nil {
			t.Fatal(err)
		}
	}

	src := &fakeSource{
		connected: true,
		entries: []hub.EntityEntry{
			{EntityID: "light.a", DeviceID: "dev1"},
			// Device row missing: the entity's area must stay untouched.
			{EntityID: "light.orphan", DeviceID: "dev-missing"},
			// No device linkage at all: skipped.
			{EntityID: "light.unlinked"},
		},
	}

	syncer := New(src, store, tenant, nil)
	res := syncer.SyncEntityAreaMappings(context.Background())

	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Updated != 1 {
		t.Errorf("got updated=%d, want 1", res.Updated)
	}

	ent, err := store.GetEntity(tenant, "light.a")
	if err != nil {
		t.Fatal(err)
	}
	if ent.AreaID != "office" {
		t.Errorf("light.a area: got %q, want office", ent.AreaID)
	}

	orphan, err := store.GetEntity(tenant, "light.orphan")
	if err != nil {
		t.Fatal(err)
	}
	if orphan.AreaID != "" {
		t.Errorf("orphan entity must keep empty area, got %q", orphan.AreaID)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: false}

	syncer := New(src, store, tenant, nil)
	sum := syncer.SyncAll(context.Background())

	// Each part reports its own error; none panics or aborts the rest.
	for name, errStr := range map[string]string{
		"areas":    sum.Areas.Error,
		"devices":  sum.Devices.Error,
		"mappings": sum.Mappings.Error,
	} {
		if errStr != "hub not connected" {
			t.Errorf("%s: got error %q", name, errStr)
		}
	}
}

func TestSyncEntityMetadata(t *testing.T) {
	store := newTestStore(t)

	// Pre-seed an entity that will vanish from the fetch.
	if _, err := store.UpsertEntityMeta(tenant, catalog.EntityMeta{EntityID: "light.gone", Domain: "light"}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{
		connected: true,
		states: []hub.State{
			{EntityID: "light.a", Attributes: map[string]any{"friendly_name": "Lamp A"}},
			{EntityID: "sensor.temp", Attributes: map[string]any{"device_class": "temperature"}},
			{EntityID: ""}, // skipped
		},
	}

	syncer := New(src, store, tenant, nil)
	res := syncer.SyncEntityMetadata(context.Background())

	if res.Synced != 2 {
		t.Errorf("synced: got %d, want 2", res.Synced)
	}
	if res.Disabled != 1 {
		t.Errorf("disabled: got %d, want 1", res.Disabled)
	}
	if res.Errors != 0 {
		t.Errorf("errors: got %d, want 0", res.Errors)
	}

	gone, err := store.GetEntity(tenant, "light.gone")
	if err != nil {
		t.Fatal(err)
	}
	if gone == nil {
		t.Fatal("vanished entity must survive as a disabled row")
	}
	if gone.Enabled {
		t.Error("vanished entity should be disabled")
	}

	lamp, err := store.GetEntity(tenant, "light.a")
	if err != nil {
		t.Fatal(err)
	}
	if lamp.Domain != "light" || lamp.FriendlyName != "Lamp A" {
		t.Errorf("metadata row: %+v", lamp)
	}
}

func TestSyncEntityMetadataFetchError(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: true, err: errors.New("boom")}

	syncer := New(src, store, tenant, nil)
	res := syncer.SyncEntityMetadata(context.Background())

	if res.Error != "boom" {
		t.Errorf("got error %q, want boom", res.Error)
	}
	if res.Synced != 0 {
		t.Error("fetch failure must not sync anything")
	}
}
