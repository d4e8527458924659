package planner

import (
	"context"
	"time"
)

// CurrentData is the working session portion of a full backup.
type CurrentData struct {
	TravelList        []Place     `json:"travelList"`
	RouteSegments     SegmentMap  `json:"routeSegments,omitempty"`
	Settings          AppSettings `json:"settings"`
	CurrentSchemeID   int64       `json:"currentSchemeId,omitempty"`
	CurrentSchemeName string      `json:"currentSchemeName,omitempty"`
}

// FullBackup is the complete exchange payload: the whole stored scheme
// collection plus the current working session.
type FullBackup struct {
	Version     string       `json:"version"`
	Type        string       `json:"type"`
	ExportedAt  time.Time    `json:"exportedAt"`
	Schemes     []Scheme     `json:"schemes"`
	CurrentData *CurrentData `json:"currentData,omitempty"`
}

const backupType = "full-backup"

// ExportBackup assembles a full backup of the store and the working session.
func (s *Store) ExportBackup(ctx context.Context) (FullBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schemes, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return FullBackup{}, newServiceError(opExportBackup, "schemes_read_failed", err)
	}

	session := s.session.clone()
	return FullBackup{
		Version:    SchemeVersion,
		Type:       backupType,
		ExportedAt: s.clock(),
		Schemes:    schemes,
		CurrentData: &CurrentData{
			TravelList:        session.TravelList,
			RouteSegments:     session.RouteSegments,
			Settings:          session.Settings,
			CurrentSchemeID:   session.CurrentSchemeID,
			CurrentSchemeName: session.CurrentSchemeName,
		},
	}, nil
}

// ImportBackup validates an exchange payload and merges it into the store.
// Scheme conflicts are resolved through the supplied resolver (defaults
// applied when nil). The merged collection is committed in one atomic write;
// validation failures abort with no side effects. A full backup's currentData
// unconditionally replaces the working list and segments.
func (s *Store) ImportBackup(ctx context.Context, payload []byte, resolver Resolver) (ImportReport, error) {
	parsed, err := parseBackup(payload)
	if err != nil {
		return ImportReport{}, newServiceError(opImportBackup, "invalid_payload", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !parsed.Full {
		s.adoptWorkingListLocked(ctx, parsed.LegacyList, parsed.LegacySegs)
		s.notifier.Toast("Travel list imported")
		return ImportReport{SessionReplaced: true}, nil
	}

	existing, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return ImportReport{}, newServiceError(opImportBackup, "schemes_read_failed", err)
	}

	merged, changes, report := mergeSchemes(existing, parsed.Schemes, resolver, s.ids, s.clock())
	if err := s.writeSchemesLocked(ctx, merged, changes); err != nil {
		return ImportReport{}, newServiceError(opImportBackup, "schemes_write_failed", err)
	}
	s.notifier.SchemesChanged(merged)

	if parsed.CurrentData != nil {
		// Validated during parse; conversion cannot fail here.
		places, _ := convertPlaces(parsed.CurrentData.TravelList)
		s.adoptWorkingListLocked(ctx, places, parsed.CurrentData.RouteSegments)
		report.SessionReplaced = true
	}

	s.notifier.Toast("Backup imported")
	return report, nil
}

// adoptWorkingListLocked replaces the working list and segment configs with
// imported data. The session becomes dirty but is not autosaved: imported
// data must not overwrite the locally current scheme without an explicit
// save.
func (s *Store) adoptWorkingListLocked(ctx context.Context, places []Place, segments SegmentMap) {
	s.session.TravelList = clonePlaces(places)
	if segments != nil {
		s.session.RouteSegments = segments.clone()
	} else {
		s.session.RouteSegments = make(SegmentMap)
	}
	s.pruneSegmentsLocked()
	s.tracker.MarkDirty()
	s.persistSessionLocked(ctx)
	s.notifier.PlacesChanged(clonePlaces(s.session.TravelList))
	s.notifier.RouteChanged(s.session.ActivePlaces())
	s.scheduleAggregationLocked()
}
