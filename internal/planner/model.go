// Package planner implements the travel plan store: the live working session,
// the persisted scheme collection, dirty-tracking with autosave, and the
// import/export merge engine.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNameConflict indicates a scheme name that is already taken.
	ErrNameConflict = errors.New("planner: scheme name already exists")
	// ErrEmptyList indicates an attempt to save a scheme without places.
	ErrEmptyList = errors.New("planner: travel list is empty")
	// ErrNotFound indicates a missing scheme or place identifier.
	ErrNotFound = errors.New("planner: not found")
	// ErrInvalidPlace indicates a place draft missing required fields.
	ErrInvalidPlace = errors.New("planner: place requires name, address and coordinates")
	// ErrInvalidSettings indicates a settings snapshot naming an unsupported
	// navigation app.
	ErrInvalidSettings = errors.New("planner: unsupported navigation app")
	// ErrInvalidFormat indicates a malformed import payload.
	ErrInvalidFormat = errors.New("planner: invalid import payload")
	// ErrNameStillConflicts indicates a conflict resolution whose replacement
	// name violates the uniqueness invariant.
	ErrNameStillConflicts = errors.New("planner: resolved name still conflicts")
	// ErrUnsavedChanges indicates a load attempted over a dirty, unbound
	// working session without an explicit discard.
	ErrUnsavedChanges = errors.New("planner: working session has unsaved changes")
	// ErrIdentityCollision indicates an imported scheme whose uuid and name
	// match two distinct stored schemes.
	ErrIdentityCollision = errors.New("planner: scheme identity collides with two stored schemes")
	// ErrInvalidResolution indicates a resolution that is not allowed for the
	// detected conflict type.
	ErrInvalidResolution = errors.New("planner: resolution not allowed for conflict")
)

// SchemeVersion tags scheme snapshots and full backup payloads.
const SchemeVersion = "2.0"

// Place is one geographic point of interest in a travel list.
type Place struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Address    string  `json:"address"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	CustomName string  `json:"customName,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	IsPending  bool    `json:"isPending"`
}

// DisplayName prefers the user override over the geocoded name.
func (p Place) DisplayName() string {
	if p.CustomName != "" {
		return p.CustomName
	}
	return p.Name
}

// SegmentConfig is the per-segment navigation preference, keyed by
// "{fromPlaceId}-{toPlaceId}" and independent of distance data.
type SegmentConfig struct {
	MapProvider string `json:"mapProvider"`
}

// SegmentKey builds the segment map key for an adjacent pair.
func SegmentKey(fromID, toID int64) string {
	return fmt.Sprintf("%d-%d", fromID, toID)
}

// SegmentMap holds segment configurations. It marshals as an array of
// [key, config] entries to stay wire-compatible with exports produced by
// map-based serializers, and accepts the plain object form on input.
type SegmentMap map[string]SegmentConfig

// MarshalJSON emits entries sorted by key for deterministic output.
func (m SegmentMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([][2]any, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, [2]any{key, m[key]})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON accepts both the entry-array form and a plain JSON object.
func (m *SegmentMap) UnmarshalJSON(data []byte) error {
	result := make(SegmentMap)

	var entries [][]json.RawMessage
	if err := json.Unmarshal(data, &entries); err == nil {
		for _, entry := range entries {
			if len(entry) != 2 {
				return fmt.Errorf("segment entry must have 2 elements, got %d", len(entry))
			}
			var key string
			if err := json.Unmarshal(entry[0], &key); err != nil {
				return err
			}
			var config SegmentConfig
			if err := json.Unmarshal(entry[1], &config); err != nil {
				return err
			}
			result[key] = config
		}
		*m = result
		return nil
	}

	var object map[string]SegmentConfig
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	for key, config := range object {
		result[key] = config
	}
	*m = result
	return nil
}

func (m SegmentMap) clone() SegmentMap {
	cloned := make(SegmentMap, len(m))
	for key, config := range m {
		cloned[key] = config
	}
	return cloned
}

// Preferences are user-facing toggles persisted with the settings.
type Preferences struct {
	OpenInNewTab       bool `json:"openInNewTab"`
	ShowNavigationHint bool `json:"showNavigationHint"`
}

// AppSettings is the process-wide settings snapshot stored with both the
// working session and every scheme.
type AppSettings struct {
	NavigationApp string            `json:"navigationApp"`
	APIKeys       map[string]string `json:"apiKeys,omitempty"`
	Preferences   Preferences       `json:"preferences"`
}

// NavigationApps enumerates the supported navigation hand-off targets.
var NavigationApps = map[string]bool{
	"amap":   true,
	"google": true,
	"bing":   true,
}

// DefaultSettings returns the settings used by a fresh working session.
func DefaultSettings() AppSettings {
	return AppSettings{
		NavigationApp: "amap",
		Preferences: Preferences{
			OpenInNewTab:       true,
			ShowNavigationHint: true,
		},
	}
}

func (s AppSettings) clone() AppSettings {
	cloned := s
	if s.APIKeys != nil {
		cloned.APIKeys = make(map[string]string, len(s.APIKeys))
		for provider, key := range s.APIKeys {
			cloned.APIKeys[provider] = key
		}
	}
	return cloned
}

// Scheme is a named, persisted snapshot of a travel plan. The uuid is the
// sync identity (stable since the last rename); the numeric id is the local
// address.
type Scheme struct {
	ID            int64       `json:"id"`
	UUID          string      `json:"uuid"`
	Name          string      `json:"name"`
	TravelList    []Place     `json:"travelList"`
	RouteSegments SegmentMap  `json:"routeSegments,omitempty"`
	Settings      AppSettings `json:"settings"`
	CreatedAt     time.Time   `json:"createdAt"`
	ModifiedAt    time.Time   `json:"modifiedAt"`
	PlacesCount   int         `json:"placesCount"`
	Version       string      `json:"version"`
}

// modificationTime is the conflict comparison timestamp, falling back to the
// creation time when a scheme was never modified.
func (s Scheme) modificationTime() time.Time {
	if !s.ModifiedAt.IsZero() {
		return s.ModifiedAt
	}
	return s.CreatedAt
}

func (s Scheme) clone() Scheme {
	cloned := s
	cloned.TravelList = clonePlaces(s.TravelList)
	cloned.RouteSegments = s.RouteSegments.clone()
	cloned.Settings = s.Settings.clone()
	return cloned
}

// WorkingSession is the continuously edited travel list and its bindings,
// persisted as the travelPlannerData record.
type WorkingSession struct {
	CurrentSchemeID   int64       `json:"currentSchemeId,omitempty"`
	CurrentSchemeName string      `json:"currentSchemeName,omitempty"`
	TravelList        []Place     `json:"travelList"`
	RouteSegments     SegmentMap  `json:"routeSegments,omitempty"`
	Settings          AppSettings `json:"settings"`
	LastSaved         time.Time   `json:"lastSaved"`
}

func (w WorkingSession) clone() WorkingSession {
	cloned := w
	cloned.TravelList = clonePlaces(w.TravelList)
	cloned.RouteSegments = w.RouteSegments.clone()
	cloned.Settings = w.Settings.clone()
	return cloned
}

// ActivePlaces returns the non-pending subsequence in list order; this is the
// route ordering.
func (w WorkingSession) ActivePlaces() []Place {
	active := make([]Place, 0, len(w.TravelList))
	for _, place := range w.TravelList {
		if !place.IsPending {
			active = append(active, place)
		}
	}
	return active
}

func clonePlaces(places []Place) []Place {
	cloned := make([]Place, len(places))
	copy(cloned, places)
	return cloned
}
