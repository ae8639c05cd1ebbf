// Package catalog persists the local mirror of the hub's registries:
// areas, devices, and entities. Registry sync writes it, the target
// resolver reads it. Rows are soft-disabled when they disappear
// upstream, never deleted, so user-set aliases, rules, and notes
// survive hub churn.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Area is one row of the areas mirror.
type Area struct {
	AreaID     string    `json:"area_id"`
	Name       string    `json:"name"`
	Icon       string    `json:"icon,omitempty"`
	Aliases    []string  `json:"aliases"`
	Tenant     string    `json:"tenant"`
	LastSynced time.Time `json:"last_synced"`
}

// Device is one row of the devices mirror.
type Device struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	AreaID       string    `json:"area_id,omitempty"`
	Aliases      []string  `json:"aliases"`
	Tenant       string    `json:"tenant"`
	LastSynced   time.Time `json:"last_synced"`
	Enabled      bool      `json:"enabled"`
}

// Entity is one row of the entities mirror. Scenes are entities with
// Domain == "scene"; there is no separate scene type.
type Entity struct {
	EntityID     string          `json:"entity_id"`
	Domain       string          `json:"domain"`
	FriendlyName string          `json:"friendly_name"`
	AreaID       string          `json:"area_id,omitempty"`
	DeviceID     string          `json:"device_id,omitempty"`
	DeviceClass  string          `json:"device_class,omitempty"`
	Aliases      []string        `json:"aliases"`
	Enabled      bool            `json:"enabled"`
	Rules        json.RawMessage `json:"rules,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	LastSeen     time.Time       `json:"last_seen"`
	Tenant       string          `json:"tenant"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EntityMeta carries the hub-owned metadata columns refreshed by the
// entity metadata sync. User-owned columns (aliases, rules, notes) are
// deliberately absent.
type EntityMeta struct {
	EntityID     string
	Domain       string
	FriendlyName string
	DeviceClass  string
}

// Customization updates user-owned entity columns. Nil fields are left
// untouched.
type Customization struct {
	Aliases *[]string
	Enabled *bool
	Rules   *json.RawMessage
	Notes   *string
}

// Store manages the registry mirror.
type Store struct {
	db *sql.DB
}

// NewStore creates a catalog store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a catalog store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS areas (
			area_id TEXT NOT NULL,
			name TEXT NOT NULL,
			icon TEXT,
			aliases TEXT NOT NULL DEFAULT '[]',
			tenant TEXT NOT NULL,
			last_synced TEXT NOT NULL,
			PRIMARY KEY (tenant, area_id)
		);

		CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT NOT NULL,
			name TEXT NOT NULL,
			manufacturer TEXT,
			model TEXT,
			area_id TEXT,
			aliases TEXT NOT NULL DEFAULT '[]',
			tenant TEXT NOT NULL,
			last_synced TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (tenant, device_id),
			FOREIGN KEY (tenant, area_id) REFERENCES areas(tenant, area_id)
		);

		CREATE TABLE IF NOT EXISTS entities (
			entity_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			friendly_name TEXT NOT NULL DEFAULT '',
			area_id TEXT,
			device_id TEXT,
			device_class TEXT,
			aliases TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			rules TEXT NOT NULL DEFAULT '{}',
			notes TEXT NOT NULL DEFAULT '',
			last_seen TEXT,
			tenant TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant, entity_id),
			FOREIGN KEY (tenant, area_id) REFERENCES areas(tenant, area_id),
			FOREIGN KEY (tenant, device_id) REFERENCES devices(tenant, device_id)
		);

		CREATE INDEX IF NOT EXISTS idx_entities_domain ON entities(tenant, domain);
		CREATE INDEX IF NOT EXISTS idx_entities_area ON entities(tenant, area_id);
		CREATE INDEX IF NOT EXISTS idx_entities_device ON entities(tenant, device_id);
		CREATE INDEX IF NOT EXISTS idx_devices_area ON devices(tenant, area_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertArea inserts or refreshes an area row. Returns true when a new
// row was created. Updates touch only hub-owned columns plus
// last_synced; user-set aliases are preserved.
func (s *Store) UpsertArea(tenant, areaID, name, icon string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var existing string
	err := s.db.QueryRow(
		`SELECT area_id FROM areas WHERE tenant = ? AND area_id = ?`,
		tenant, areaID,
	).Scan(&existing)

	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`
			INSERT INTO areas (area_id, name, icon, tenant, last_synced)
			VALUES (?, ?, ?, ?, ?)
		`, areaID, name, icon, tenant, now)
		if err != nil {
			return false, fmt.Errorf("insert area: %w", err)
		}
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("check area: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE areas SET name = ?, icon = ?, last_synced = ?
		WHERE tenant = ? AND area_id = ?
	`, name, icon, now, tenant, areaID)
	if err != nil {
		return false, fmt.Errorf("update area: %w", err)
	}
	return false, nil
}

// UpsertDevice inserts or refreshes a device row. Returns true when a
// new row was created.
func (s *Store) UpsertDevice(tenant, deviceID, name, manufacturer, model, areaID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var existing string
	err := s.db.QueryRow(
		`SELECT device_id FROM devices WHERE tenant = ? AND device_id = ?`,
		tenant, deviceID,
	).Scan(&existing)

	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`
			INSERT INTO devices (device_id, name, manufacturer, model, area_id, tenant, last_synced)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, deviceID, name, manufacturer, model, nullable(areaID), tenant, now)
		if err != nil {
			return false, fmt.Errorf("insert device: %w", err)
		}
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("check device: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE devices SET name = ?, manufacturer = ?, model = ?, area_id = ?, last_synced = ?
		WHERE tenant = ? AND device_id = ?
	`, name, manufacturer, model, nullable(areaID), now, tenant, deviceID)
	if err != nil {
		return false, fmt.Errorf("update device: %w", err)
	}
	return false, nil
}

// UpsertEntityMeta inserts or refreshes an entity's hub-owned metadata
// and marks it enabled. User-owned columns (aliases, rules, notes) are
// never written on the update path. Returns true when a new row was
// created.
func (s *Store) UpsertEntityMeta(tenant string, meta EntityMeta) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var existing string
	err := s.db.QueryRow(
		`SELECT entity_id FROM entities WHERE tenant = ? AND entity_id = ?`,
		tenant, meta.EntityID,
	).Scan(&existing)

	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`
			INSERT INTO entities
				(entity_id, domain, friendly_name, device_class, enabled, last_seen, tenant, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)
		`, meta.EntityID, meta.Domain, meta.FriendlyName, meta.DeviceClass, now, tenant, now, now)
		if err != nil {
			return false, fmt.Errorf("insert entity: %w", err)
		}
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("check entity: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE entities
		SET domain = ?, friendly_name = ?, device_class = ?, enabled = 1, last_seen = ?, updated_at = ?
		WHERE tenant = ? AND entity_id = ?
	`, meta.Domain, meta.FriendlyName, meta.DeviceClass, now, now, tenant, meta.EntityID)
	if err != nil {
		return false, fmt.Errorf("update entity: %w", err)
	}
	return false, nil
}

// EnabledEntityIDs returns the ids of all currently enabled entities.
func (s *Store) EnabledEntityIDs(tenant string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT entity_id FROM entities WHERE tenant = ? AND enabled = 1`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("query enabled entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// disableChunkSize bounds the placeholders per UPDATE; SQLite's
// default host-parameter limit is 999.
const disableChunkSize = 500

// DisableEntities soft-disables the given entities. Rows are never
// deleted; a disabled entity keeps its aliases, rules, and notes. The
// id list is applied in chunks so large catalog churn cannot exceed
// the parameter limit.
func (s *Store) DisableEntities(tenant string, entityIDs []string) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	total := 0
	for start := 0; start < len(entityIDs); start += disableChunkSize {
		chunk := entityIDs[start:min(start+disableChunkSize, len(entityIDs))]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, now, tenant)
		for _, id := range chunk {
			args = append(args, id)
		}

		res, err := s.db.Exec(`
			UPDATE entities SET enabled = 0, updated_at = ?
			WHERE tenant = ? AND entity_id IN (`+placeholders(len(chunk))+`)
		`, args...)
		if err != nil {
			return total, fmt.Errorf("disable entities: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// DeviceAreaID looks up a device's area. The second return value is
// false when the device row does not exist or carries no area.
func (s *Store) DeviceAreaID(tenant, deviceID string) (string, bool, error) {
	var areaID sql.NullString
	err := s.db.QueryRow(
		`SELECT area_id FROM devices WHERE tenant = ? AND device_id = ?`,
		tenant, deviceID,
	).Scan(&areaID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query device area: %w", err)
	}
	if !areaID.Valid || areaID.String == "" {
		return "", false, nil
	}
	return areaID.String, true, nil
}

// SetEntityArea assigns an entity to an area. Returns true when a row
// was actually updated.
func (s *Store) SetEntityArea(tenant, entityID, areaID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE entities SET area_id = ?, updated_at = ?
		WHERE tenant = ? AND entity_id = ?
	`, areaID, now, tenant, entityID)
	if err != nil {
		return false, fmt.Errorf("set entity area: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateEntity applies user customizations to an entity. Nil fields in
// c are left untouched. Returns false when the entity does not exist.
func (s *Store) UpdateEntity(tenant, entityID string, c Customization) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if c.Aliases != nil {
		encoded, err := json.Marshal(*c.Aliases)
		if err != nil {
			return false, fmt.Errorf("encode aliases: %w", err)
		}
		sets = append(sets, "aliases = ?")
		args = append(args, string(encoded))
	}
	if c.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*c.Enabled))
	}
	if c.Rules != nil {
		sets = append(sets, "rules = ?")
		args = append(args, string(*c.Rules))
	}
	if c.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *c.Notes)
	}

	args = append(args, tenant, entityID)
	res, err := s.db.Exec(
		`UPDATE entities SET `+strings.Join(sets, ", ")+` WHERE tenant = ? AND entity_id = ?`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update entity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Areas returns every area for the tenant.
func (s *Store) Areas(tenant string) ([]Area, error) {
	rows, err := s.db.Query(`
		SELECT area_id, name, COALESCE(icon, ''), aliases, last_synced
		FROM areas WHERE tenant = ? ORDER BY area_id
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query areas: %w", err)
	}
	defer rows.Close()

	var areas []Area
	for rows.Next() {
		var a Area
		var aliases, synced string
		if err := rows.Scan(&a.AreaID, &a.Name, &a.Icon, &aliases, &synced); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		a.Tenant = tenant
		a.Aliases = decodeAliases(aliases)
		a.LastSynced, _ = time.Parse(time.RFC3339, synced)
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// Devices returns every enabled device for the tenant.
func (s *Store) Devices(tenant string) ([]Device, error) {
	rows, err := s.db.Query(`
		SELECT device_id, name, COALESCE(manufacturer, ''), COALESCE(model, ''),
		       COALESCE(area_id, ''), aliases, last_synced, enabled
		FROM devices WHERE tenant = ? AND enabled = 1 ORDER BY device_id
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var aliases, synced string
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.Manufacturer, &d.Model,
			&d.AreaID, &aliases, &synced, &d.Enabled); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Tenant = tenant
		d.Aliases = decodeAliases(aliases)
		d.LastSynced, _ = time.Parse(time.RFC3339, synced)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Entities returns enabled entities for the tenant, optionally
// restricted to a single domain. Pass domain == "" for all domains.
func (s *Store) Entities(tenant, domain string) ([]Entity, error) {
	query := `
		SELECT entity_id, domain, friendly_name, COALESCE(area_id, ''),
		       COALESCE(device_id, ''), COALESCE(device_class, ''), aliases,
		       enabled, rules, notes, COALESCE(last_seen, ''), created_at, updated_at
		FROM entities WHERE tenant = ? AND enabled = 1
	`
	args := []any{tenant}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY entity_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var aliases, rules, seen, created, updated string
		if err := rows.Scan(&e.EntityID, &e.Domain, &e.FriendlyName, &e.AreaID,
			&e.DeviceID, &e.DeviceClass, &aliases, &e.Enabled, &rules,
			&e.Notes, &seen, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Tenant = tenant
		e.Aliases = decodeAliases(aliases)
		e.Rules = json.RawMessage(rules)
		e.LastSeen, _ = time.Parse(time.RFC3339, seen)
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// GetEntity returns a single entity row regardless of enabled state.
func (s *Store) GetEntity(tenant, entityID string) (*Entity, error) {
	var e Entity
	var aliases, rules, seen, created, updated string
	err := s.db.QueryRow(`
		SELECT entity_id, domain, friendly_name, COALESCE(area_id, ''),
		       COALESCE(device_id, ''), COALESCE(device_class, ''), aliases,
		       enabled, rules, notes, COALESCE(last_seen, ''), created_at, updated_at
		FROM entities WHERE tenant = ? AND entity_id = ?
	`, tenant, entityID).Scan(&e.EntityID, &e.Domain, &e.FriendlyName, &e.AreaID,
		&e.DeviceID, &e.DeviceClass, &aliases, &e.Enabled, &rules,
		&e.Notes, &seen, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}
	e.Tenant = tenant
	e.Aliases = decodeAliases(aliases)
	e.Rules = json.RawMessage(rules)
	e.LastSeen, _ = time.Parse(time.RFC3339, seen)
	e.CreatedAt, _ = time.Parse(time.RFC3339, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &e, nil
}

// ExpandTarget resolves area and device ids to the enabled entity ids
// they contain, using the mirrored area/device linkage. Used by the
// hub client's REST fallback, which only supports entity targeting.
func (s *Store) ExpandTarget(tenant string, areaIDs, deviceIDs []string) ([]string, error) {
	if len(areaIDs) == 0 && len(deviceIDs) == 0 {
		return nil, nil
	}

	var conds []string
	args := []any{tenant}

	if len(areaIDs) > 0 {
		conds = append(conds, `area_id IN (`+placeholders(len(areaIDs))+`)`)
		for _, id := range areaIDs {
			args = append(args, id)
		}
	}
	if len(deviceIDs) > 0 {
		conds = append(conds, `device_id IN (`+placeholders(len(deviceIDs))+`)`)
		for _, id := range deviceIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.Query(`
		SELECT entity_id FROM entities
		WHERE tenant = ? AND enabled = 1 AND (`+strings.Join(conds, " OR ")+`)
		ORDER BY entity_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("expand target: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func decodeAliases(raw string) []string {
	var aliases []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &aliases)
	}
	if aliases == nil {
		aliases = []string{}
	}
	return aliases
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
