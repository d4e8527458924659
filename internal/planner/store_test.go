package planner

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/wayplan/wayplan/internal/route"
)

func TestNewStoreRequiresDependencies(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestAddPlaceAssignsUniqueIDs(t *testing.T) {
	store := newTestStore(t, nil)
	first := mustAddPlace(t, store, "Forbidden City", 39.9163, 116.3972)
	second := mustAddPlace(t, store, "Temple of Heaven", 39.8822, 116.4066)
	if first.ID == second.ID {
		t.Fatalf("expected distinct place ids, got %d twice", first.ID)
	}
	session := store.Session()
	if len(session.TravelList) != 2 {
		t.Fatalf("expected 2 places, got %d", len(session.TravelList))
	}
}

func TestAddPlaceRejectsMissingFields(t *testing.T) {
	store := newTestStore(t, nil)
	_, err := store.AddPlace(context.Background(), PlaceDraft{Name: "   ", Address: ""})
	if !errors.Is(err, ErrInvalidPlace) {
		t.Fatalf("expected ErrInvalidPlace, got %v", err)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	db := openTestDB(t)
	clock := newTestClock()
	store := newTestStoreWithDB(t, db, clock)
	place := mustAddPlace(t, store, "Summer Palace", 39.9999, 116.2755)
	store.aggWait.Wait()

	reopened := newTestStoreWithDB(t, db, clock)
	session := reopened.Session()
	if len(session.TravelList) != 1 || session.TravelList[0].ID != place.ID {
		t.Fatalf("expected restored session with place %d, got %#v", place.ID, session.TravelList)
	}
}

func TestEditPlaceAppliesOverrides(t *testing.T) {
	store := newTestStore(t, nil)
	place := mustAddPlace(t, store, "Lama Temple", 39.9470, 116.4113)

	custom := "Yonghe Temple"
	notes := "buy tickets online"
	edited, err := store.EditPlace(context.Background(), place.ID, PlaceEdit{CustomName: &custom, Notes: &notes})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if edited.CustomName != custom || edited.Notes != notes {
		t.Fatalf("overrides not applied: %#v", edited)
	}
	if edited.DisplayName() != custom {
		t.Fatalf("display name should prefer the override")
	}
}

func TestEditPlaceNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.EditPlace(context.Background(), 42, PlaceEdit{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTogglePendingMovesToTail(t *testing.T) {
	store := newTestStore(t, nil)
	a := mustAddPlace(t, store, "A", 39.90, 116.40)
	b := mustAddPlace(t, store, "B", 39.91, 116.41)
	c := mustAddPlace(t, store, "C", 39.92, 116.42)

	if _, err := store.TogglePendingStatus(context.Background(), a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := placeIDs(store.Session().TravelList)
	want := []int64{b.ID, c.ID, a.ID}
	if !slices.Equal(got, want) {
		t.Fatalf("pending place not at tail: got %v want %v", got, want)
	}
}

func TestToggleBackInsertsAfterLastActive(t *testing.T) {
	store := newTestStore(t, nil)
	a := mustAddPlace(t, store, "A", 39.90, 116.40)
	b := mustAddPlace(t, store, "B", 39.91, 116.41)
	c := mustAddPlace(t, store, "C", 39.92, 116.42)

	ctx := context.Background()
	if _, err := store.TogglePendingStatus(ctx, a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.TogglePendingStatus(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// List is now [C, A(pending), B(pending)]. Reactivating B must land it
	// right after C, ahead of the still-pending A.
	if _, err := store.TogglePendingStatus(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := placeIDs(store.Session().TravelList)
	want := []int64{c.ID, b.ID, a.ID}
	if !slices.Equal(got, want) {
		t.Fatalf("reactivated place misplaced: got %v want %v", got, want)
	}
}

func TestReorderMovesDraggedToTargetSlot(t *testing.T) {
	store := newTestStore(t, nil)
	a := mustAddPlace(t, store, "A", 39.90, 116.40)
	b := mustAddPlace(t, store, "B", 39.91, 116.41)
	c := mustAddPlace(t, store, "C", 39.92, 116.42)

	if err := store.Reorder(context.Background(), a.ID, c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := placeIDs(store.Session().TravelList)
	want := []int64{b.ID, c.ID, a.ID}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected order after reorder: got %v want %v", got, want)
	}
}

func TestRemovePlaceNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	if err := store.RemovePlace(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOptimizeRouteRequiresThreeActivePlaces(t *testing.T) {
	store := newTestStore(t, nil)
	mustAddPlace(t, store, "A", 39.90, 116.40)
	mustAddPlace(t, store, "B", 39.91, 116.41)
	if err := store.OptimizeRoute(context.Background()); !errors.Is(err, route.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
}

func TestOptimizeRouteReordersActiveKeepsPendingTail(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	a := mustAddPlace(t, store, "A", 0, 0)
	far := mustAddPlace(t, store, "Far", 0, 0.05)
	near := mustAddPlace(t, store, "Near", 0, 0.018)
	parked := mustAddPlace(t, store, "Parked", 10, 10)
	if _, err := store.TogglePendingStatus(ctx, parked.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.OptimizeRoute(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := placeIDs(store.Session().TravelList)
	want := []int64{a.ID, near.ID, far.ID, parked.ID}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected optimized order: got %v want %v", got, want)
	}
}

func TestSaveAsNewSchemeRejectsDuplicateName(t *testing.T) {
	store := newTestStore(t, nil)
	mustAddPlace(t, store, "A", 39.90, 116.40)
	mustSaveScheme(t, store, "Beijing Weekend")

	if _, err := store.SaveAsNewScheme(context.Background(), "Beijing Weekend"); !errors.Is(err, ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
}

func TestSaveAsNewSchemeRejectsEmptyList(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.SaveAsNewScheme(context.Background(), "Empty"); !errors.Is(err, ErrEmptyList) {
		t.Fatalf("expected ErrEmptyList, got %v", err)
	}
}

func TestSaveAsNewSchemeBindsSession(t *testing.T) {
	store := newTestStore(t, nil)
	mustAddPlace(t, store, "A", 39.90, 116.40)
	scheme := mustSaveScheme(t, store, "Beijing Weekend")

	session := store.Session()
	if session.CurrentSchemeID != scheme.ID || session.CurrentSchemeName != scheme.Name {
		t.Fatalf("session not bound to saved scheme: %#v", session)
	}
	if store.Dirty() {
		t.Fatalf("expected clean session after explicit save")
	}
	if scheme.UUID == "" || scheme.Version != SchemeVersion {
		t.Fatalf("scheme missing identity fields: %#v", scheme)
	}
}

func TestMutationWithoutCurrentSchemeStaysDirty(t *testing.T) {
	store := newTestStore(t, nil)
	mustAddPlace(t, store, "A", 39.90, 116.40)
	if !store.Dirty() {
		t.Fatalf("expected dirty session without a current scheme")
	}
}

func TestAutosaveMirrorsMutationsIntoCurrentScheme(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()
	mustAddPlace(t, store, "A", 39.90, 116.40)
	scheme := mustSaveScheme(t, store, "Beijing Weekend")

	clock.Advance(time.Minute)
	mustAddPlace(t, store, "B", 39.91, 116.41)

	if store.Dirty() {
		t.Fatalf("expected autosave to return the session to clean")
	}
	schemes, err := store.Schemes(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schemes) != 1 {
		t.Fatalf("expected 1 scheme, got %d", len(schemes))
	}
	saved := schemes[0]
	if saved.PlacesCount != 2 || len(saved.TravelList) != 2 {
		t.Fatalf("autosave did not mirror the travel list: %#v", saved)
	}
	if !saved.ModifiedAt.After(scheme.ModifiedAt) {
		t.Fatalf("expected modifiedAt to advance, got %v", saved.ModifiedAt)
	}
	if saved.UUID != scheme.UUID {
		t.Fatalf("autosave must not change the scheme uuid")
	}
}

func TestAutosaveIdempotentWithoutListChanges(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)
	ctx := context.Background()
	mustAddPlace(t, store, "A", 39.90, 116.40)
	mustSaveScheme(t, store, "Beijing Weekend")

	settings := store.Session().Settings
	clock.Advance(time.Minute)
	if err := store.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstPass, _ := store.Schemes(ctx)

	clock.Advance(time.Minute)
	if err := store.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondPass, _ := store.Schemes(ctx)

	before, after := firstPass[0], secondPass[0]
	if !after.ModifiedAt.After(before.ModifiedAt) {
		t.Fatalf("expected modifiedAt to advance")
	}
	if after.UUID != before.UUID || after.PlacesCount != before.PlacesCount {
		t.Fatalf("autosave changed identity or content: %#v vs %#v", before, after)
	}
	if !slices.Equal(placeIDs(after.TravelList), placeIDs(before.TravelList)) {
		t.Fatalf("autosave changed the travel list")
	}
}

func TestLoadSchemeNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.LoadScheme(context.Background(), 42, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSchemeDirtyUnboundSessionRequiresDiscard(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustAddPlace(t, store, "A", 39.90, 116.40)
	keeper := mustSaveScheme(t, store, "Keeper")
	scratch := mustSaveScheme(t, store, "Scratch")
	if err := store.DeleteScheme(ctx, scratch.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Session is now unbound and clean; the next mutation leaves it dirty
	// with nothing to autosave into.
	mustAddPlace(t, store, "B", 39.91, 116.41)
	if !store.Dirty() {
		t.Fatalf("expected dirty unbound session")
	}

	if _, err := store.LoadScheme(ctx, keeper.ID, false); !errors.Is(err, ErrUnsavedChanges) {
		t.Fatalf("expected ErrUnsavedChanges, got %v", err)
	}

	loaded, err := store.LoadScheme(ctx, keeper.ID, true)
	if err != nil {
		t.Fatalf("discard load failed: %v", err)
	}
	if loaded.ID != keeper.ID {
		t.Fatalf("loaded wrong scheme: %#v", loaded)
	}
	session := store.Session()
	if len(session.TravelList) != 1 || session.CurrentSchemeID != keeper.ID {
		t.Fatalf("session not replaced by loaded scheme: %#v", session)
	}
	if store.Dirty() {
		t.Fatalf("expected clean session after load")
	}
}

func TestDeleteSchemeUnbindsCurrent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	mustAddPlace(t, store, "A", 39.90, 116.40)
	scheme := mustSaveScheme(t, store, "Beijing Weekend")

	if err := store.DeleteScheme(ctx, scheme.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session := store.Session()
	if session.CurrentSchemeID != 0 || session.CurrentSchemeName != "" {
		t.Fatalf("expected unbound session, got %#v", session)
	}
	if len(session.TravelList) != 1 {
		t.Fatalf("working list must survive scheme deletion")
	}
	schemes, _ := store.Schemes(ctx)
	if len(schemes) != 0 {
		t.Fatalf("expected empty collection, got %d", len(schemes))
	}
}

func TestDeleteSchemeNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	if err := store.DeleteScheme(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type pairRecordingService struct {
	mu    sync.Mutex
	pairs [][2]int64
}

func (s *pairRecordingService) DistanceAndDuration(_ context.Context, from, to route.Point) (route.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, [2]int64{from.ID, to.ID})
	return route.Measurement{DistanceMeters: 1000, DurationSeconds: 60}, nil
}

func TestAggregationExcludesPendingPlaces(t *testing.T) {
	service := &pairRecordingService{}
	notifier := &recordingNotifier{}
	store := newTestStore(t, nil, withDistance(service), withNotifier(notifier))
	ctx := context.Background()

	a := mustAddPlace(t, store, "A", 39.90, 116.40)
	b := mustAddPlace(t, store, "B", 39.91, 116.41)
	c := mustAddPlace(t, store, "C", 39.92, 116.42)
	d := mustAddPlace(t, store, "D", 39.93, 116.43)
	if _, err := store.TogglePendingStatus(ctx, c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.aggWait.Wait()

	summary, ok := notifier.lastSummary()
	if !ok {
		t.Fatalf("expected a summary notification")
	}
	if len(summary.Legs) != 2 {
		t.Fatalf("expected 2 legs over 3 active places, got %d", len(summary.Legs))
	}
	wantLegs := [][2]int64{{a.ID, b.ID}, {b.ID, d.ID}}
	for i, leg := range summary.Legs {
		if leg.FromID != wantLegs[i][0] || leg.ToID != wantLegs[i][1] {
			t.Fatalf("leg %d covers wrong pair: %#v", i, leg)
		}
		if leg.FromID == c.ID || leg.ToID == c.ID {
			t.Fatalf("pending place leaked into aggregation: %#v", leg)
		}
	}
	if summary.TotalDistanceKm != 2 {
		t.Fatalf("unexpected total distance: %f", summary.TotalDistanceKm)
	}
}

func TestStaleAggregationDiscarded(t *testing.T) {
	notifier := &recordingNotifier{}
	store := newTestStore(t, nil, withNotifier(notifier))
	mustAddPlace(t, store, "A", 39.90, 116.40)
	mustAddPlace(t, store, "B", 39.91, 116.41)
	mustAddPlace(t, store, "C", 39.92, 116.42)
	store.aggWait.Wait()

	summary := store.Summary()
	if len(summary.Legs) != 2 {
		t.Fatalf("expected summary over latest list, got %#v", summary)
	}
}

func TestSegmentConfigPrunedWhenPairDisappears(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	a := mustAddPlace(t, store, "A", 39.90, 116.40)
	b := mustAddPlace(t, store, "B", 39.91, 116.41)

	if err := store.SetSegmentProvider(ctx, a.ID, b.ID, "google"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := SegmentKey(a.ID, b.ID)
	if _, ok := store.Session().RouteSegments[key]; !ok {
		t.Fatalf("expected segment config to be stored")
	}

	if err := store.RemovePlace(ctx, b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Session().RouteSegments[key]; ok {
		t.Fatalf("expected stale segment key to be garbage collected")
	}
}

func TestSetSegmentProviderRequiresKnownPlaces(t *testing.T) {
	store := newTestStore(t, nil)
	a := mustAddPlace(t, store, "A", 39.90, 116.40)
	if err := store.SetSegmentProvider(context.Background(), a.ID, 42, "google"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSettingsRejectsUnknownNavigationApp(t *testing.T) {
	store := newTestStore(t, nil)
	err := store.UpdateSettings(context.Background(), AppSettings{NavigationApp: "osm"})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestSchemeChangesAudited(t *testing.T) {
	db := openTestDB(t)
	store := newTestStoreWithDB(t, db, nil)
	ctx := context.Background()
	mustAddPlace(t, store, "A", 39.90, 116.40)
	scheme := mustSaveScheme(t, store, "Beijing Weekend")
	if err := store.DeleteScheme(ctx, scheme.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var changes []SchemeChange
	if err := db.Order("applied_at_s").Find(&changes).Error; err != nil {
		t.Fatalf("failed to read audit rows: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected create and delete audit rows, got %d", len(changes))
	}
	if changes[0].Operation != ChangeOperationCreate || changes[1].Operation != ChangeOperationDelete {
		t.Fatalf("unexpected audit operations: %#v", changes)
	}
	if changes[0].SchemeUUID != scheme.UUID {
		t.Fatalf("audit row carries wrong uuid: %#v", changes[0])
	}
}
