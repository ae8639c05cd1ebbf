package bridge

import (
	"encoding/json"
	"testing"
)

func TestEntityFilterMatch(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		entityID string
		want     bool
	}{
		{"empty filter matches all", nil, "light.anything", true},
		{"domain glob", []string{"light.*"}, "light.desk_lamp", true},
		{"domain glob excludes others", []string{"light.*"}, "switch.porch", false},
		{"substring glob", []string{"binary_sensor.*door*"}, "binary_sensor.front_door_contact", true},
		{"multiple patterns", []string{"light.*", "switch.*"}, "switch.porch", true},
		{"bad pattern skipped", []string{"[", "light.*"}, "light.a", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := NewEntityFilter(tc.patterns, nil)
			if got := f.Match(tc.entityID); got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.entityID, got, tc.want)
			}
		})
	}
}

func TestRateLimiterAllows(t *testing.T) {
	r := NewEntityRateLimiter(2)

	if !r.Allow("light.a") || !r.Allow("light.a") {
		t.Fatal("first two events should pass")
	}
	if r.Allow("light.a") {
		t.Error("third event within the window should be limited")
	}
	// Other entities have independent budgets.
	if !r.Allow("light.b") {
		t.Error("unrelated entity should not be limited")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewEntityRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow("light.a") {
			t.Fatal("zero limit must disable rate limiting")
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	r := NewEntityRateLimiter(5)
	r.Allow("light.a")

	r.Cleanup()
	// Fresh timestamps survive cleanup.
	r.mu.Lock()
	_, ok := r.counters["light.a"]
	r.mu.Unlock()
	if !ok {
		t.Error("live counter removed by cleanup")
	}
}

func stateEvent(t *testing.T, eventType, entityID, oldState, newState string) json.RawMessage {
	t.Helper()
	ev := map[string]any{
		"event_type": eventType,
		"data": map[string]any{
			"entity_id": entityID,
		},
	}
	data := ev["data"].(map[string]any)
	if oldState != "" {
		data["old_state"] = map[string]any{"state": oldState}
	}
	if newState != "" {
		data["new_state"] = map[string]any{"state": newState}
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestBridgeHandleEvent(t *testing.T) {
	var got []StateChange
	b := New(nil, nil, func(c StateChange) { got = append(got, c) }, nil)

	if err := b.HandleEvent(stateEvent(t, "state_changed", "light.a", "off", "on")); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 change, got %d", len(got))
	}
	if got[0].EntityID != "light.a" || got[0].OldState != "off" || got[0].NewState != "on" {
		t.Errorf("change: %+v", got[0])
	}
}

func TestBridgeIgnoresNonStateEvents(t *testing.T) {
	var got []StateChange
	b := New(nil, nil, func(c StateChange) { got = append(got, c) }, nil)

	b.HandleEvent(stateEvent(t, "automation_triggered", "light.a", "off", "on"))
	if len(got) != 0 {
		t.Error("non-state event should be ignored")
	}
}

func TestBridgeIgnoresRemovals(t *testing.T) {
	var got []StateChange
	b := New(nil, nil, func(c StateChange) { got = append(got, c) }, nil)

	// Entity removal arrives with a nil new_state.
	b.HandleEvent(stateEvent(t, "state_changed", "light.a", "on", ""))
	if len(got) != 0 {
		t.Error("removal event should be ignored")
	}
}

func TestBridgeNewEntityHasNoOldState(t *testing.T) {
	var got []StateChange
	b := New(nil, nil, func(c StateChange) { got = append(got, c) }, nil)

	b.HandleEvent(stateEvent(t, "state_changed", "light.new", "", "on"))
	if len(got) != 1 {
		t.Fatalf("expected 1 change, got %d", len(got))
	}
	if got[0].OldState != "" {
		t.Errorf("new entity should have empty old state, got %q", got[0].OldState)
	}
}

func TestBridgeAppliesFilter(t *testing.T) {
	var got []StateChange
	b := New(NewEntityFilter([]string{"light.*"}, nil), nil,
		func(c StateChange) { got = append(got, c) }, nil)

	b.HandleEvent(stateEvent(t, "state_changed", "switch.porch", "off", "on"))
	b.HandleEvent(stateEvent(t, "state_changed", "light.a", "off", "on"))

	if len(got) != 1 || got[0].EntityID != "light.a" {
		t.Errorf("filter not applied: %+v", got)
	}
}

func TestBridgeAppliesRateLimit(t *testing.T) {
	var got []StateChange
	b := New(nil, NewEntityRateLimiter(1),
		func(c StateChange) { got = append(got, c) }, nil)

	b.HandleEvent(stateEvent(t, "state_changed", "light.a", "off", "on"))
	b.HandleEvent(stateEvent(t, "state_changed", "light.a", "on", "off"))

	if len(got) != 1 {
		t.Errorf("rate limit not applied: %d changes", len(got))
	}
}

func TestBridgeMalformedPayload(t *testing.T) {
	b := New(nil, nil, func(StateChange) { t.Fatal("handler must not run") }, nil)
	if err := b.HandleEvent(json.RawMessage(`{not json`)); err != nil {
		t.Errorf("malformed payload should be swallowed, got %v", err)
	}
}
