// Package resolver turns a free-text phrase into a precise control
// target by walking a prioritized, confidence-scored matching pipeline
// over the mirrored catalog: scenes first, then areas, then devices,
// then entities as the terminal fallback.
package resolver

import (
	"fmt"
	"log/slog"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"hearth/internal/catalog"
	"hearth/internal/hub"
)

// TargetType names the kind of object a resolution landed on.
type TargetType string

const (
	TargetScene  TargetType = "scene"
	TargetArea   TargetType = "area"
	TargetDevice TargetType = "device"
	TargetEntity TargetType = "entity"
	TargetNone   TargetType = "none"
)

// Options carries the confidence thresholds. They are tunables, not
// domain law.
type Options struct {
	// MatchThreshold is the minimum confidence (0-100) for a tier to
	// claim the query.
	MatchThreshold float64

	// ConfirmThreshold is the confidence below which a match is only a
	// suggestion the caller should confirm.
	ConfirmThreshold float64
}

// DefaultOptions returns the stock 70/85 thresholds.
func DefaultOptions() Options {
	return Options{MatchThreshold: 70, ConfirmThreshold: 85}
}

// Resolution is the structured outcome of a Resolve call. Target is
// shaped exactly as CallService expects it.
type Resolution struct {
	TargetType  TargetType  `json:"target_type"`
	TargetID    string      `json:"target_id,omitempty"`
	Confidence  float64     `json:"confidence"`
	MatchedName string      `json:"matched_name,omitempty"`
	Suggestion  bool        `json:"suggestion"`
	Target      *hub.Target `json:"target_dict,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Resolver reads only from the catalog; it is independent of the hub
// session at query time.
type Resolver struct {
	store  *catalog.Store
	opts   Options
	logger *slog.Logger
}

// New creates a Resolver. Zero-value thresholds fall back to defaults.
func New(store *catalog.Store, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = defaults.MatchThreshold
	}
	if opts.ConfirmThreshold <= 0 {
		opts.ConfirmThreshold = defaults.ConfirmThreshold
	}
	return &Resolver{store: store, opts: opts, logger: logger}
}

// Resolve matches a natural-language phrase against the catalog.
// Tiers run in strict priority order — scene, area, device, entity —
// and the first tier reaching the match threshold wins; the entity
// tier always runs as the terminal fallback. Resolve never returns an
// error to its caller: tier-level store failures are logged and
// treated as no-match, and a total miss yields TargetNone with a
// descriptive Error field.
func (r *Resolver) Resolve(query, domainFilter, tenant string) Resolution {
	q := strings.ToLower(strings.TrimSpace(query))

	if res := r.resolveScene(q, tenant); res != nil {
		return *res
	}
	if res := r.resolveArea(q, tenant); res != nil {
		return *res
	}
	if res := r.resolveDevice(q, tenant); res != nil {
		return *res
	}
	if res := r.resolveEntity(q, domainFilter, tenant); res != nil {
		return *res
	}

	return Resolution{
		TargetType: TargetNone,
		Confidence: 0,
		Error:      fmt.Sprintf("no matching scene, area, device, or entity found for %q", query),
	}
}

// suggestion reports whether a confidence sits in the confirm band.
func (r *Resolver) suggestion(confidence float64) bool {
	return confidence >= r.opts.MatchThreshold && confidence < r.opts.ConfirmThreshold
}

// bestMatch tracks the single best candidate seen so far. Only a
// strictly greater score replaces the incumbent, so ties keep the
// first-seen candidate.
type bestMatch struct {
	id    string
	name  string
	score float64
}

func (b *bestMatch) consider(id, name string, score float64) {
	if score > b.score {
		b.id = id
		b.name = name
		b.score = score
	}
}

// charRatio is the character-ratio similarity used by the scene, area,
// and device tiers, scaled to [0,1].
func charRatio(query, candidate string) float64 {
	return float64(fuzzy.Ratio(query, strings.ToLower(candidate))) / 100.0
}

// tokenSetRatio is the order- and subset-insensitive similarity used
// by the entity tier, scaled to [0,1]. Entity names are frequently
// multi-word, so plain character ratios punish harmless word-order
// differences; the asymmetry with the other tiers is deliberate.
func tokenSetRatio(query, candidate string) float64 {
	return float64(fuzzy.TokenSetRatio(query, strings.ToLower(candidate))) / 100.0
}

// resolveScene matches against scene entities (domain "scene").
func (r *Resolver) resolveScene(query, tenant string) *Resolution {
	scenes, err := r.store.Entities(tenant, "scene")
	if err != nil {
		r.logger.Error("scene tier failed", "error", err)
		return nil
	}

	// Exact case-insensitive match on the friendly name.
	for _, sc := range scenes {
		if strings.ToLower(sc.FriendlyName) == query {
			return &Resolution{
				TargetType:  TargetScene,
				TargetID:    sc.EntityID,
				Confidence:  100,
				MatchedName: sc.FriendlyName,
				Suggestion:  false,
				Target:      hub.EntityTarget(sc.EntityID),
			}
		}
	}

	var best bestMatch
	for _, sc := range scenes {
		best.consider(sc.EntityID, sc.FriendlyName, charRatio(query, sc.FriendlyName))
		for _, alias := range sc.Aliases {
			best.consider(sc.EntityID, alias, charRatio(query, alias))
		}
	}

	confidence := best.score * 100
	if confidence < r.opts.MatchThreshold {
		return nil
	}
	return &Resolution{
		TargetType:  TargetScene,
		TargetID:    best.id,
		Confidence:  confidence,
		MatchedName: best.name,
		Suggestion:  r.suggestion(confidence),
		Target:      hub.EntityTarget(best.id),
	}
}

// resolveArea matches against areas.
func (r *Resolver) resolveArea(query, tenant string) *Resolution {
	areas, err := r.store.Areas(tenant)
	if err != nil {
		r.logger.Error("area tier failed", "error", err)
		return nil
	}

	for _, a := range areas {
		if strings.ToLower(a.Name) == query {
			return &Resolution{
				TargetType:  TargetArea,
				TargetID:    a.AreaID,
				Confidence:  100,
				MatchedName: a.Name,
				Suggestion:  false,
				Target:      hub.AreaTarget(a.AreaID),
			}
		}
	}

	var best bestMatch
	for _, a := range areas {
		best.consider(a.AreaID, a.Name, charRatio(query, a.Name))
		for _, alias := range a.Aliases {
			best.consider(a.AreaID, alias, charRatio(query, alias))
		}
	}

	confidence := best.score * 100
	if confidence < r.opts.MatchThreshold {
		return nil
	}
	return &Resolution{
		TargetType:  TargetArea,
		TargetID:    best.id,
		Confidence:  confidence,
		MatchedName: best.name,
		Suggestion:  r.suggestion(confidence),
		Target:      hub.AreaTarget(best.id),
	}
}

// resolveDevice matches against enabled devices.
func (r *Resolver) resolveDevice(query, tenant string) *Resolution {
	devices, err := r.store.Devices(tenant)
	if err != nil {
		r.logger.Error("device tier failed", "error", err)
		return nil
	}

	for _, d := range devices {
		if strings.ToLower(d.Name) == query {
			return &Resolution{
				TargetType:  TargetDevice,
				TargetID:    d.DeviceID,
				Confidence:  100,
				MatchedName: d.Name,
				Suggestion:  false,
				Target:      hub.DeviceTarget(d.DeviceID),
			}
		}
	}

	var best bestMatch
	for _, d := range devices {
		best.consider(d.DeviceID, d.Name, charRatio(query, d.Name))
		for _, alias := range d.Aliases {
			best.consider(d.DeviceID, alias, charRatio(query, alias))
		}
	}

	confidence := best.score * 100
	if confidence < r.opts.MatchThreshold {
		return nil
	}
	return &Resolution{
		TargetType:  TargetDevice,
		TargetID:    best.id,
		Confidence:  confidence,
		MatchedName: best.name,
		Suggestion:  r.suggestion(confidence),
		Target:      hub.DeviceTarget(best.id),
	}
}

// resolveEntity is the terminal fallback tier. It honors the domain
// filter, checks entity-id and alias exact matches first, then scores
// friendly names and aliases with the token-set similarity.
func (r *Resolver) resolveEntity(query, domainFilter, tenant string) *Resolution {
	// Exact match on the entity id itself ("light.desk_lamp").
	if ent, err := r.store.GetEntity(tenant, query); err != nil {
		r.logger.Error("entity tier failed", "error", err)
	} else if ent != nil && ent.Enabled {
		return &Resolution{
			TargetType:  TargetEntity,
			TargetID:    ent.EntityID,
			Confidence:  100,
			MatchedName: ent.FriendlyName,
			Suggestion:  false,
			Target:      hub.EntityTarget(ent.EntityID),
		}
	}

	entities, err := r.store.Entities(tenant, domainFilter)
	if err != nil {
		r.logger.Error("entity tier failed", "error", err)
		return nil
	}

	// Alias exact matches outrank fuzzy scores.
	for _, e := range entities {
		for _, alias := range e.Aliases {
			if strings.ToLower(alias) == query {
				return &Resolution{
					TargetType:  TargetEntity,
					TargetID:    e.EntityID,
					Confidence:  100,
					MatchedName: alias,
					Suggestion:  false,
					Target:      hub.EntityTarget(e.EntityID),
				}
			}
		}
	}

	var best bestMatch
	for _, e := range entities {
		best.consider(e.EntityID, e.FriendlyName, tokenSetRatio(query, e.FriendlyName))
		for _, alias := range e.Aliases {
			best.consider(e.EntityID, alias, tokenSetRatio(query, alias))
		}
	}

	confidence := best.score * 100
	if confidence < r.opts.MatchThreshold {
		return nil
	}
	return &Resolution{
		TargetType:  TargetEntity,
		TargetID:    best.id,
		Confidence:  confidence,
		MatchedName: best.name,
		Suggestion:  r.suggestion(confidence),
		Target:      hub.EntityTarget(best.id),
	}
}
