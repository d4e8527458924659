package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wayplan/wayplan/internal/identity"
	"github.com/wayplan/wayplan/internal/route"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDGenerator = errors.New("id generator is required")
	errMissingIDProvider  = errors.New("change id provider is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a machine-readable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "planner.store.new"
	opAddPlace       = "planner.add_place"
	opEditPlace      = "planner.edit_place"
	opTogglePending  = "planner.toggle_pending"
	opRemovePlace    = "planner.remove_place"
	opReorder        = "planner.reorder"
	opOptimizeRoute  = "planner.optimize_route"
	opUpdateSettings = "planner.update_settings"
	opSetSegment     = "planner.set_segment"
	opSaveScheme     = "planner.save_scheme"
	opLoadScheme     = "planner.load_scheme"
	opDeleteScheme   = "planner.delete_scheme"
	opListSchemes    = "planner.list_schemes"
	opAutosave       = "planner.autosave"
	opPersistSession = "planner.persist_session"
	opExportBackup   = "planner.export_backup"
	opImportBackup   = "planner.import_backup"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig wires the Store's collaborators.
type StoreConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	IDs       *identity.Generator
	ChangeIDs identity.IDProvider
	Distance  route.DistanceService
	Notifier  Notifier
	Logger    *zap.Logger
}

// Store owns the working session and mediates every read and write of the
// persisted scheme collection. It is the single writer for both records.
type Store struct {
	mu         sync.Mutex
	db         *gorm.DB
	clock      func() time.Time
	ids        *identity.Generator
	changeIDs  identity.IDProvider
	aggregator *route.Aggregator
	notifier   Notifier
	logger     *zap.Logger

	session WorkingSession
	tracker dirtyTracker
	summary route.Summary

	// aggregation is bumped on every list mutation; a completed distance
	// round whose generation no longer matches is stale and discarded.
	aggregation int64
	aggWait     sync.WaitGroup
}

// NewStore constructs a Store and restores the working session from the
// travelPlannerData record, starting empty when none exists.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDs == nil {
		return nil, newServiceError(opStoreNew, "missing_id_generator", errMissingIDGenerator)
	}
	if cfg.ChangeIDs == nil {
		return nil, newServiceError(opStoreNew, "missing_change_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	store := &Store{
		db:         cfg.Database,
		clock:      clock,
		ids:        cfg.IDs,
		changeIDs:  cfg.ChangeIDs,
		aggregator: route.NewAggregator(cfg.Distance, logger),
		notifier:   notifier,
		logger:     logger,
	}

	var session WorkingSession
	found, err := readState(cfg.Database, stateKeySession, &session)
	if err != nil {
		return nil, newServiceError(opStoreNew, "session_read_failed", err)
	}
	if found {
		store.session = session
	} else {
		store.session = WorkingSession{Settings: DefaultSettings()}
	}
	if store.session.RouteSegments == nil {
		store.session.RouteSegments = make(SegmentMap)
	}

	return store, nil
}

// PlaceDraft is the input for adding a place to the working list.
type PlaceDraft struct {
	Name       string
	Address    string
	Lat        float64
	Lng        float64
	CustomName string
	Notes      string
	IsPending  bool
}

// PlaceEdit carries the user-override fields of a place; nil fields are left
// untouched.
type PlaceEdit struct {
	CustomName *string
	Notes      *string
}

// AddPlace appends a new place to the working list.
func (s *Store) AddPlace(ctx context.Context, draft PlaceDraft) (Place, error) {
	if strings.TrimSpace(draft.Name) == "" || strings.TrimSpace(draft.Address) == "" {
		return Place{}, newServiceError(opAddPlace, "invalid_place", ErrInvalidPlace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	place := Place{
		ID:         s.ids.NewPlaceID(),
		Name:       strings.TrimSpace(draft.Name),
		Address:    strings.TrimSpace(draft.Address),
		Lat:        draft.Lat,
		Lng:        draft.Lng,
		CustomName: draft.CustomName,
		Notes:      draft.Notes,
		IsPending:  draft.IsPending,
	}
	s.session.TravelList = append(s.session.TravelList, place)
	s.afterListMutation(ctx, opAddPlace)
	return place, nil
}

// EditPlace applies user overrides to the identified place.
func (s *Store) EditPlace(ctx context.Context, id int64, edit PlaceEdit) (Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.placeIndexLocked(id)
	if index < 0 {
		return Place{}, newServiceError(opEditPlace, "place_not_found", fmt.Errorf("%w: place %d", ErrNotFound, id))
	}
	if edit.CustomName != nil {
		s.session.TravelList[index].CustomName = *edit.CustomName
	}
	if edit.Notes != nil {
		s.session.TravelList[index].Notes = *edit.Notes
	}
	s.afterListMutation(ctx, opEditPlace)
	return s.session.TravelList[index], nil
}

// TogglePendingStatus flips the pending flag and moves the place to the tail
// of its status partition: reactivated places land immediately after the last
// active place, pending places at the absolute tail.
func (s *Store) TogglePendingStatus(ctx context.Context, id int64) (Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.placeIndexLocked(id)
	if index < 0 {
		return Place{}, newServiceError(opTogglePending, "place_not_found", fmt.Errorf("%w: place %d", ErrNotFound, id))
	}

	place := s.session.TravelList[index]
	place.IsPending = !place.IsPending
	list := slices.Delete(s.session.TravelList, index, index+1)

	if place.IsPending {
		list = append(list, place)
	} else {
		insertAt := 0
		for i, candidate := range list {
			if !candidate.IsPending {
				insertAt = i + 1
			}
		}
		list = slices.Insert(list, insertAt, place)
	}
	s.session.TravelList = list
	s.afterListMutation(ctx, opTogglePending)
	return place, nil
}

// RemovePlace deletes the identified place from the working list.
func (s *Store) RemovePlace(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.placeIndexLocked(id)
	if index < 0 {
		return newServiceError(opRemovePlace, "place_not_found", fmt.Errorf("%w: place %d", ErrNotFound, id))
	}
	s.session.TravelList = slices.Delete(s.session.TravelList, index, index+1)
	s.afterListMutation(ctx, opRemovePlace)
	return nil
}

// Reorder moves the dragged place to the slot occupied by the target place.
func (s *Store) Reorder(ctx context.Context, draggedID, targetID int64) error {
	if draggedID == targetID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draggedIndex := s.placeIndexLocked(draggedID)
	targetIndex := s.placeIndexLocked(targetID)
	if draggedIndex < 0 || targetIndex < 0 {
		return newServiceError(opReorder, "place_not_found", fmt.Errorf("%w: place %d or %d", ErrNotFound, draggedID, targetID))
	}

	dragged := s.session.TravelList[draggedIndex]
	list := slices.Delete(s.session.TravelList, draggedIndex, draggedIndex+1)
	insertAt := slices.IndexFunc(list, func(p Place) bool { return p.ID == targetID })
	if draggedIndex < targetIndex {
		insertAt++
	}
	s.session.TravelList = slices.Insert(list, insertAt, dragged)
	s.afterListMutation(ctx, opReorder)
	return nil
}

// OptimizeRoute reorders the active places with the nearest-neighbour
// heuristic, keeping pending places at the tail in their relative order.
func (s *Store) OptimizeRoute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.session.ActivePlaces()
	if len(active) < 3 {
		return newServiceError(opOptimizeRoute, "insufficient_points", route.ErrInsufficientPoints)
	}

	ordered := route.GreedyOrder(activePoints(s.session))
	byID := make(map[int64]Place, len(active))
	for _, place := range active {
		byID[place.ID] = place
	}

	reordered := make([]Place, 0, len(s.session.TravelList))
	for _, point := range ordered {
		reordered = append(reordered, byID[point.ID])
	}
	for _, place := range s.session.TravelList {
		if place.IsPending {
			reordered = append(reordered, place)
		}
	}
	s.session.TravelList = reordered
	s.afterListMutation(ctx, opOptimizeRoute)
	return nil
}

// UpdateSettings replaces the working session settings.
func (s *Store) UpdateSettings(ctx context.Context, settings AppSettings) error {
	if !NavigationApps[settings.NavigationApp] {
		return newServiceError(opUpdateSettings, "invalid_navigation_app",
			fmt.Errorf("%w: %q", ErrInvalidSettings, settings.NavigationApp))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.Settings = settings.clone()
	s.afterConfigMutation(ctx, opUpdateSettings)
	return nil
}

// SetSegmentProvider stores the navigation provider preference for the
// segment between two places. The entry is created lazily and is independent
// of distance data.
func (s *Store) SetSegmentProvider(ctx context.Context, fromID, toID int64, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.placeIndexLocked(fromID) < 0 || s.placeIndexLocked(toID) < 0 {
		return newServiceError(opSetSegment, "place_not_found", fmt.Errorf("%w: place %d or %d", ErrNotFound, fromID, toID))
	}
	if s.session.RouteSegments == nil {
		s.session.RouteSegments = make(SegmentMap)
	}
	s.session.RouteSegments[SegmentKey(fromID, toID)] = SegmentConfig{MapProvider: provider}
	s.afterConfigMutation(ctx, opSetSegment)
	return nil
}

// SaveAsNewScheme snapshots the working session into a new named scheme and
// makes it current.
func (s *Store) SaveAsNewScheme(ctx context.Context, name string) (Scheme, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Scheme{}, newServiceError(opSaveScheme, "empty_name", fmt.Errorf("scheme name is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schemes, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return Scheme{}, newServiceError(opSaveScheme, "schemes_read_failed", err)
	}
	for _, existing := range schemes {
		if existing.Name == name {
			return Scheme{}, newServiceError(opSaveScheme, "name_conflict", fmt.Errorf("%w: %q", ErrNameConflict, name))
		}
	}
	if len(s.session.TravelList) == 0 {
		return Scheme{}, newServiceError(opSaveScheme, "empty_list", ErrEmptyList)
	}

	now := s.clock()
	scheme := Scheme{
		ID:            s.ids.NewSchemeID(),
		UUID:          identity.SchemeUUID(name, now),
		Name:          name,
		TravelList:    clonePlaces(s.session.TravelList),
		RouteSegments: s.session.RouteSegments.clone(),
		Settings:      s.session.Settings.clone(),
		CreatedAt:     now,
		ModifiedAt:    now,
		PlacesCount:   len(s.session.TravelList),
		Version:       SchemeVersion,
	}
	schemes = append(schemes, scheme)

	change := SchemeChange{
		SchemeUUID:       scheme.UUID,
		SchemeName:       scheme.Name,
		Operation:        ChangeOperationCreate,
		AppliedAtSeconds: now.Unix(),
		PlacesCount:      scheme.PlacesCount,
	}
	if err := s.writeSchemesLocked(ctx, schemes, []SchemeChange{change}); err != nil {
		return Scheme{}, newServiceError(opSaveScheme, "schemes_write_failed", err)
	}

	s.session.CurrentSchemeID = scheme.ID
	s.session.CurrentSchemeName = scheme.Name
	s.tracker.Reset()
	s.persistSessionLocked(ctx)
	s.notifier.SchemesChanged(schemes)
	s.notifier.Toast(fmt.Sprintf("Scheme %q saved", scheme.Name))
	return scheme, nil
}

// LoadScheme replaces the working session with the identified scheme's
// snapshot. A dirty session must be explicitly discarded first; load never
// silently drops unsaved data.
func (s *Store) LoadScheme(ctx context.Context, id int64, discardChanges bool) (Scheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker.Dirty() && !discardChanges {
		return Scheme{}, newServiceError(opLoadScheme, "unsaved_changes", ErrUnsavedChanges)
	}

	schemes, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return Scheme{}, newServiceError(opLoadScheme, "schemes_read_failed", err)
	}
	index := slices.IndexFunc(schemes, func(scheme Scheme) bool { return scheme.ID == id })
	if index < 0 {
		return Scheme{}, newServiceError(opLoadScheme, "scheme_not_found", fmt.Errorf("%w: scheme %d", ErrNotFound, id))
	}

	scheme := schemes[index].clone()
	s.session.TravelList = clonePlaces(scheme.TravelList)
	s.session.RouteSegments = scheme.RouteSegments.clone()
	if s.session.RouteSegments == nil {
		s.session.RouteSegments = make(SegmentMap)
	}
	s.session.Settings = scheme.Settings.clone()
	s.session.CurrentSchemeID = scheme.ID
	s.session.CurrentSchemeName = scheme.Name
	s.tracker.Reset()
	s.persistSessionLocked(ctx)
	s.notifier.PlacesChanged(clonePlaces(s.session.TravelList))
	s.notifier.RouteChanged(s.session.ActivePlaces())
	s.scheduleAggregationLocked()
	s.notifier.Toast(fmt.Sprintf("Scheme %q loaded", scheme.Name))
	return scheme, nil
}

// DeleteScheme removes the identified scheme. The working list survives; if
// the deleted scheme was current, the session becomes unbound.
func (s *Store) DeleteScheme(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schemes, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return newServiceError(opDeleteScheme, "schemes_read_failed", err)
	}
	index := slices.IndexFunc(schemes, func(scheme Scheme) bool { return scheme.ID == id })
	if index < 0 {
		return newServiceError(opDeleteScheme, "scheme_not_found", fmt.Errorf("%w: scheme %d", ErrNotFound, id))
	}

	removed := schemes[index]
	schemes = slices.Delete(schemes, index, index+1)
	change := SchemeChange{
		SchemeUUID:       removed.UUID,
		SchemeName:       removed.Name,
		Operation:        ChangeOperationDelete,
		AppliedAtSeconds: s.clock().Unix(),
		PlacesCount:      removed.PlacesCount,
	}
	if err := s.writeSchemesLocked(ctx, schemes, []SchemeChange{change}); err != nil {
		return newServiceError(opDeleteScheme, "schemes_write_failed", err)
	}

	if s.session.CurrentSchemeID == id {
		s.session.CurrentSchemeID = 0
		s.session.CurrentSchemeName = ""
		s.persistSessionLocked(ctx)
	}
	s.notifier.SchemesChanged(schemes)
	s.notifier.Toast(fmt.Sprintf("Scheme %q deleted", removed.Name))
	return nil
}

// Schemes returns the stored scheme collection.
func (s *Store) Schemes(ctx context.Context) ([]Scheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schemes, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return nil, newServiceError(opListSchemes, "schemes_read_failed", err)
	}
	return schemes, nil
}

// Session returns a copy of the working session.
func (s *Store) Session() WorkingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.clone()
}

// Summary returns the latest route distance/duration summary.
func (s *Store) Summary() route.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Dirty reports whether the working session has unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Dirty()
}

// --- mutation pipeline, all locked ---

// afterListMutation runs the post-mutation contract for travel list changes:
// segment GC, dirty tracking with autosave, session persistence,
// notifications and a fresh aggregation round.
func (s *Store) afterListMutation(ctx context.Context, operation string) {
	s.pruneSegmentsLocked()
	s.markDirtyLocked(ctx)
	s.persistSessionLocked(ctx)
	s.notifier.PlacesChanged(clonePlaces(s.session.TravelList))
	s.notifier.RouteChanged(s.session.ActivePlaces())
	s.scheduleAggregationLocked()
	s.logger.Debug("working list mutated",
		zap.String("operation", operation),
		zap.Int("places", len(s.session.TravelList)))
}

// afterConfigMutation covers settings and segment-config changes, which do
// not alter the active ordering.
func (s *Store) afterConfigMutation(ctx context.Context, operation string) {
	s.markDirtyLocked(ctx)
	s.persistSessionLocked(ctx)
	s.logger.Debug("session config mutated", zap.String("operation", operation))
}

// pruneSegmentsLocked drops segment configurations whose key is not in the
// current active adjacency set.
func (s *Store) pruneSegmentsLocked() {
	if len(s.session.RouteSegments) == 0 {
		return
	}
	active := s.session.ActivePlaces()
	valid := make(map[string]struct{}, len(active))
	for i := 0; i+1 < len(active); i++ {
		valid[SegmentKey(active[i].ID, active[i+1].ID)] = struct{}{}
	}
	for key := range s.session.RouteSegments {
		if _, ok := valid[key]; !ok {
			delete(s.session.RouteSegments, key)
		}
	}
}

func (s *Store) markDirtyLocked(ctx context.Context) {
	if !s.tracker.MarkDirty() {
		// Mutation raised from within an in-progress autosave.
		return
	}
	if s.session.CurrentSchemeID == 0 {
		return
	}
	s.autosaveLocked(ctx)
}

func (s *Store) autosaveLocked(ctx context.Context) {
	if !s.tracker.BeginSave() {
		return
	}
	err := s.writeCurrentSchemeLocked(ctx)
	s.tracker.FinishSave(err == nil)
	if err != nil {
		s.logError(opAutosave, "write_failed", err,
			zap.Int64("scheme_id", s.session.CurrentSchemeID))
		s.notifier.Toast("Autosave failed")
	}
}

// writeCurrentSchemeLocked mirrors the working session into the current
// scheme record and persists the whole collection atomically.
func (s *Store) writeCurrentSchemeLocked(ctx context.Context) error {
	schemes, err := s.loadSchemesLocked(ctx)
	if err != nil {
		return err
	}
	index := slices.IndexFunc(schemes, func(scheme Scheme) bool { return scheme.ID == s.session.CurrentSchemeID })
	if index < 0 {
		return fmt.Errorf("%w: scheme %d", ErrNotFound, s.session.CurrentSchemeID)
	}

	now := s.clock()
	scheme := &schemes[index]
	scheme.TravelList = clonePlaces(s.session.TravelList)
	scheme.RouteSegments = s.session.RouteSegments.clone()
	scheme.Settings = s.session.Settings.clone()
	scheme.PlacesCount = len(s.session.TravelList)
	// Modification timestamps never move backwards.
	if now.After(scheme.ModifiedAt) {
		scheme.ModifiedAt = now
	}
	scheme.Version = SchemeVersion

	change := SchemeChange{
		SchemeUUID:       scheme.UUID,
		SchemeName:       scheme.Name,
		Operation:        ChangeOperationAutosave,
		AppliedAtSeconds: now.Unix(),
		PlacesCount:      scheme.PlacesCount,
	}
	return s.writeSchemesLocked(ctx, schemes, []SchemeChange{change})
}

// persistSessionLocked writes the travelPlannerData record. Persistence
// failures are logged, not surfaced: the in-memory mutation stands.
func (s *Store) persistSessionLocked(ctx context.Context) {
	now := s.clock()
	s.session.LastSaved = now
	if err := writeState(s.db.WithContext(ctx), stateKeySession, s.session, now); err != nil {
		s.logError(opPersistSession, "write_failed", err)
	}
}

func (s *Store) loadSchemesLocked(ctx context.Context) ([]Scheme, error) {
	var schemes []Scheme
	if _, err := readState(s.db.WithContext(ctx), stateKeySchemes, &schemes); err != nil {
		return nil, err
	}
	return schemes, nil
}

// writeSchemesLocked commits the scheme collection and its audit rows in one
// transaction; partial writes are never observable.
func (s *Store) writeSchemesLocked(ctx context.Context, schemes []Scheme, changes []SchemeChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := writeState(tx, stateKeySchemes, schemes, s.clock()); err != nil {
			return err
		}
		for i := range changes {
			if changes[i].ChangeID == "" {
				changeID, err := s.changeIDs.NewID()
				if err != nil {
					return err
				}
				changes[i].ChangeID = changeID
			}
			if err := tx.Create(&changes[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// scheduleAggregationLocked starts a distance round for the current active
// ordering. All per-segment lookups of one round run concurrently and join
// before the summary is published; a round that finishes after another list
// mutation is stale and discarded.
func (s *Store) scheduleAggregationLocked() {
	s.aggregation++
	generation := s.aggregation
	points := activePoints(s.session)

	s.aggWait.Add(1)
	go func() {
		defer s.aggWait.Done()
		summary := s.aggregator.Aggregate(context.Background(), points)

		s.mu.Lock()
		defer s.mu.Unlock()
		if generation != s.aggregation {
			return
		}
		s.summary = summary
		s.notifier.SummaryChanged(summary)
	}()
}

func (s *Store) placeIndexLocked(id int64) int {
	return slices.IndexFunc(s.session.TravelList, func(place Place) bool { return place.ID == id })
}

func activePoints(session WorkingSession) []route.Point {
	active := session.ActivePlaces()
	points := make([]route.Point, 0, len(active))
	for _, place := range active {
		points = append(points, route.Point{ID: place.ID, Lat: place.Lat, Lng: place.Lng})
	}
	return points
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("planner store error", attrs...)
}
