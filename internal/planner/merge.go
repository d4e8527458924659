package planner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wayplan/wayplan/internal/identity"
)

// ConflictKind classifies an incoming scheme against the stored collection.
type ConflictKind string

const (
	// ConflictNone means the scheme is accepted as-is.
	ConflictNone ConflictKind = "none"
	// ConflictVersion means an existing scheme shares the incoming uuid.
	ConflictVersion ConflictKind = "version"
	// ConflictName means an existing scheme shares the name under a
	// different uuid.
	ConflictName ConflictKind = "name"
)

// VersionRelation orders the two sides of a version conflict by modification
// time.
type VersionRelation string

const (
	// RelationNewer means the incoming scheme is strictly newer.
	RelationNewer VersionRelation = "newer"
	// RelationIdentical means both sides carry the same modification time.
	RelationIdentical VersionRelation = "identical"
	// RelationOlder means the incoming scheme is strictly older.
	RelationOlder VersionRelation = "older"
)

// Conflict describes one incoming scheme colliding with a stored one.
type Conflict struct {
	Incoming Scheme          `json:"incoming"`
	Existing Scheme          `json:"existing"`
	Kind     ConflictKind    `json:"kind"`
	Relation VersionRelation `json:"relation,omitempty"`
}

// Resolution is the user-chosen outcome for one conflict.
type Resolution string

const (
	// ResolutionSkip discards the incoming scheme.
	ResolutionSkip Resolution = "skip"
	// ResolutionKeep discards the incoming scheme, keeping the stored one.
	ResolutionKeep Resolution = "keep"
	// ResolutionUpdate replaces the stored scheme with the incoming one.
	ResolutionUpdate Resolution = "update"
	// ResolutionOverwrite replaces the name-colliding stored scheme.
	ResolutionOverwrite Resolution = "overwrite"
	// ResolutionRename imports the incoming scheme under a new name and a
	// freshly derived uuid.
	ResolutionRename Resolution = "rename"
	// ResolutionBoth keeps the stored scheme and imports the incoming copy
	// under a new name and uuid.
	ResolutionBoth Resolution = "both"
)

// Decision pairs a resolution with the replacement name required by rename
// and both.
type Decision struct {
	Resolution Resolution `json:"resolution"`
	NewName    string     `json:"newName,omitempty"`
}

// Resolver supplies the externally chosen decision for each conflict. The
// engine only applies it.
type Resolver func(Conflict) Decision

// DefaultResolver applies the conservative defaults: identical imports are
// skipped, newer ones replace the stored scheme, older ones are kept out, and
// name collisions are skipped.
func DefaultResolver(conflict Conflict) Decision {
	if conflict.Kind == ConflictVersion {
		switch conflict.Relation {
		case RelationNewer:
			return Decision{Resolution: ResolutionUpdate}
		case RelationOlder:
			return Decision{Resolution: ResolutionKeep}
		default:
			return Decision{Resolution: ResolutionSkip}
		}
	}
	return Decision{Resolution: ResolutionSkip}
}

// SchemeFailure reports one incoming scheme that could not be imported.
type SchemeFailure struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ImportReport summarizes a merge.
type ImportReport struct {
	Imported        int             `json:"imported"`
	Skipped         int             `json:"skipped"`
	Replaced        int             `json:"replaced"`
	SessionReplaced bool            `json:"sessionReplaced"`
	Failures        []SchemeFailure `json:"failures,omitempty"`
}

// classifyScheme runs conflict detection for one incoming scheme against the
// (evolving) merged collection. The incoming uuid is derived when absent.
func classifyScheme(collection []Scheme, incoming Scheme) (Conflict, error) {
	uuidIndex, nameIndex := -1, -1
	for i, existing := range collection {
		if existing.UUID == incoming.UUID {
			uuidIndex = i
		}
		if existing.Name == incoming.Name {
			nameIndex = i
		}
	}

	if uuidIndex >= 0 && nameIndex >= 0 && collection[uuidIndex].UUID != collection[nameIndex].UUID {
		return Conflict{}, fmt.Errorf("%w: %q", ErrIdentityCollision, incoming.Name)
	}

	if uuidIndex >= 0 {
		existing := collection[uuidIndex]
		relation := RelationIdentical
		incomingAt := incoming.modificationTime()
		existingAt := existing.modificationTime()
		switch {
		case incomingAt.After(existingAt):
			relation = RelationNewer
		case incomingAt.Before(existingAt):
			relation = RelationOlder
		}
		return Conflict{Incoming: incoming, Existing: existing, Kind: ConflictVersion, Relation: relation}, nil
	}

	if nameIndex >= 0 {
		return Conflict{Incoming: incoming, Existing: collection[nameIndex], Kind: ConflictName}, nil
	}

	return Conflict{Incoming: incoming, Kind: ConflictNone}, nil
}

func allowedResolution(conflict Conflict, resolution Resolution) bool {
	switch conflict.Kind {
	case ConflictVersion:
		if conflict.Relation == RelationIdentical {
			return resolution == ResolutionSkip || resolution == ResolutionBoth
		}
		return resolution == ResolutionUpdate || resolution == ResolutionKeep || resolution == ResolutionBoth
	case ConflictName:
		return resolution == ResolutionOverwrite || resolution == ResolutionRename || resolution == ResolutionSkip
	default:
		return false
	}
}

// mergeSchemes applies conflict detection and the resolver's decisions,
// producing the merged collection and the audit rows for accepted schemes.
// Per-scheme failures abort that scheme only; the rest proceed.
func mergeSchemes(existing, incoming []Scheme, resolver Resolver, ids *identity.Generator, now time.Time) ([]Scheme, []SchemeChange, ImportReport) {
	if resolver == nil {
		resolver = DefaultResolver
	}

	merged := make([]Scheme, len(existing))
	for i, scheme := range existing {
		merged[i] = scheme.clone()
	}
	var changes []SchemeChange
	var report ImportReport

	accept := func(scheme Scheme) {
		scheme.ID = ids.NewSchemeID()
		merged = append(merged, scheme)
		changes = append(changes, SchemeChange{
			SchemeUUID:       scheme.UUID,
			SchemeName:       scheme.Name,
			Operation:        ChangeOperationImport,
			AppliedAtSeconds: now.Unix(),
			PlacesCount:      scheme.PlacesCount,
		})
		report.Imported++
	}
	removeAt := func(index int) {
		merged = append(merged[:index], merged[index+1:]...)
	}
	fail := func(name, code string) {
		report.Failures = append(report.Failures, SchemeFailure{Name: name, Code: code})
	}
	nameTaken := func(name string) bool {
		for _, scheme := range merged {
			if scheme.Name == name {
				return true
			}
		}
		return false
	}

	for _, candidate := range incoming {
		scheme := candidate.clone()
		if scheme.UUID == "" {
			createdAt := scheme.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			scheme.UUID = identity.SchemeUUID(scheme.Name, createdAt)
		}

		conflict, err := classifyScheme(merged, scheme)
		if err != nil {
			fail(scheme.Name, "identity_collision")
			continue
		}

		if conflict.Kind == ConflictNone {
			accept(scheme)
			continue
		}

		decision := resolver(conflict)
		if !allowedResolution(conflict, decision.Resolution) {
			fail(scheme.Name, "invalid_resolution")
			continue
		}

		switch decision.Resolution {
		case ResolutionSkip, ResolutionKeep:
			report.Skipped++

		case ResolutionUpdate:
			for i, stored := range merged {
				if stored.UUID == conflict.Existing.UUID {
					removeAt(i)
					break
				}
			}
			accept(scheme)
			report.Replaced++

		case ResolutionOverwrite:
			for i, stored := range merged {
				if stored.Name == conflict.Existing.Name {
					removeAt(i)
					break
				}
			}
			accept(scheme)
			report.Replaced++

		case ResolutionRename, ResolutionBoth:
			newName := decision.NewName
			if newName == "" || nameTaken(newName) {
				fail(scheme.Name, "name_still_conflicts")
				continue
			}
			scheme.Name = newName
			scheme.UUID = identity.SchemeUUID(newName, now)
			accept(scheme)
		}
	}

	return merged, changes, report
}

// --- payload parsing and validation ---

type importedPlace struct {
	ID         *int64   `json:"id"`
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	CustomName string   `json:"customName"`
	Notes      string   `json:"notes"`
	IsPending  bool     `json:"isPending"`
}

type importedScheme struct {
	ID            int64           `json:"id"`
	UUID          string          `json:"uuid"`
	Name          string          `json:"name"`
	TravelList    []importedPlace `json:"travelList"`
	RouteSegments SegmentMap      `json:"routeSegments"`
	Settings      AppSettings     `json:"settings"`
	CreatedAt     time.Time       `json:"createdAt"`
	ModifiedAt    time.Time       `json:"modifiedAt"`
	PlacesCount   int             `json:"placesCount"`
	Version       string          `json:"version"`
}

type importedCurrentData struct {
	TravelList        []importedPlace `json:"travelList"`
	RouteSegments     SegmentMap      `json:"routeSegments"`
	Settings          AppSettings     `json:"settings"`
	CurrentSchemeID   int64           `json:"currentSchemeId"`
	CurrentSchemeName string          `json:"currentSchemeName"`
}

type backupEnvelope struct {
	Version       string               `json:"version"`
	Type          string               `json:"type"`
	Schemes       []importedScheme     `json:"schemes"`
	CurrentData   *importedCurrentData `json:"currentData"`
	TravelList    []importedPlace      `json:"travelList"`
	RouteSegments SegmentMap           `json:"routeSegments"`
}

// parsedBackup is the validated result of either payload shape. Exactly one
// of Schemes/CurrentData (full backup) or Legacy (single list) is populated.
type parsedBackup struct {
	Full        bool
	Schemes     []Scheme
	CurrentData *importedCurrentData
	LegacyList  []Place
	LegacySegs  SegmentMap
}

// parseBackup decodes and validates an import payload. Validation fails
// closed: any malformed place or scheme rejects the whole payload.
func parseBackup(payload []byte) (parsedBackup, error) {
	var envelope backupEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return parsedBackup{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	if envelope.Version == SchemeVersion && envelope.Type == "full-backup" {
		schemes := make([]Scheme, 0, len(envelope.Schemes))
		for _, raw := range envelope.Schemes {
			scheme, err := convertScheme(raw)
			if err != nil {
				return parsedBackup{}, err
			}
			schemes = append(schemes, scheme)
		}
		if envelope.CurrentData != nil {
			if _, err := convertPlaces(envelope.CurrentData.TravelList); err != nil {
				return parsedBackup{}, err
			}
		}
		return parsedBackup{Full: true, Schemes: schemes, CurrentData: envelope.CurrentData}, nil
	}

	if envelope.TravelList != nil {
		places, err := convertPlaces(envelope.TravelList)
		if err != nil {
			return parsedBackup{}, err
		}
		return parsedBackup{LegacyList: places, LegacySegs: envelope.RouteSegments}, nil
	}

	return parsedBackup{}, fmt.Errorf("%w: unrecognized payload shape", ErrInvalidFormat)
}

func convertScheme(raw importedScheme) (Scheme, error) {
	if raw.Name == "" {
		return Scheme{}, fmt.Errorf("%w: scheme name is required", ErrInvalidFormat)
	}
	if raw.TravelList == nil {
		return Scheme{}, fmt.Errorf("%w: scheme %q has no travelList", ErrInvalidFormat, raw.Name)
	}
	places, err := convertPlaces(raw.TravelList)
	if err != nil {
		return Scheme{}, err
	}

	scheme := Scheme{
		ID:            raw.ID,
		UUID:          raw.UUID,
		Name:          raw.Name,
		TravelList:    places,
		RouteSegments: raw.RouteSegments,
		Settings:      raw.Settings,
		CreatedAt:     raw.CreatedAt,
		ModifiedAt:    raw.ModifiedAt,
		PlacesCount:   len(places),
		Version:       raw.Version,
	}
	if scheme.Version == "" {
		scheme.Version = SchemeVersion
	}
	return scheme, nil
}

func convertPlaces(raw []importedPlace) ([]Place, error) {
	places := make([]Place, 0, len(raw))
	for i, place := range raw {
		if place.ID == nil || *place.ID == 0 {
			return nil, fmt.Errorf("%w: place %d is missing an id", ErrInvalidFormat, i)
		}
		if place.Name == "" || place.Address == "" {
			return nil, fmt.Errorf("%w: place %d requires name and address", ErrInvalidFormat, i)
		}
		if place.Lat == nil || place.Lng == nil {
			return nil, fmt.Errorf("%w: place %d requires numeric coordinates", ErrInvalidFormat, i)
		}
		places = append(places, Place{
			ID:         *place.ID,
			Name:       place.Name,
			Address:    place.Address,
			Lat:        *place.Lat,
			Lng:        *place.Lng,
			CustomName: place.CustomName,
			Notes:      place.Notes,
			IsPending:  place.IsPending,
		})
	}
	return places, nil
}
