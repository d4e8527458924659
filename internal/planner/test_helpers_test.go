package planner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/wayplan/wayplan/internal/identity"
	"github.com/wayplan/wayplan/internal/route"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "planner.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&StateRecord{}, &SchemeChange{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// testClock is an advanceable clock so modification timestamps move
// deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	summaries []route.Summary
	toasts    []string
}

func (n *recordingNotifier) PlacesChanged([]Place)  {}
func (n *recordingNotifier) RouteChanged([]Place)   {}
func (n *recordingNotifier) SchemesChanged([]Scheme) {}

func (n *recordingNotifier) SummaryChanged(summary route.Summary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
}

func (n *recordingNotifier) Toast(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, message)
}

func (n *recordingNotifier) lastSummary() (route.Summary, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.summaries) == 0 {
		return route.Summary{}, false
	}
	return n.summaries[len(n.summaries)-1], true
}

type testStoreOption func(*StoreConfig)

func withDistance(service route.DistanceService) testStoreOption {
	return func(cfg *StoreConfig) { cfg.Distance = service }
}

func withNotifier(notifier Notifier) testStoreOption {
	return func(cfg *StoreConfig) { cfg.Notifier = notifier }
}

func newTestStore(t *testing.T, clock *testClock, opts ...testStoreOption) *Store {
	t.Helper()
	return newTestStoreWithDB(t, openTestDB(t), clock, opts...)
}

func newTestStoreWithDB(t *testing.T, db *gorm.DB, clock *testClock, opts ...testStoreOption) *Store {
	t.Helper()
	if clock == nil {
		clock = newTestClock()
	}
	cfg := StoreConfig{
		Database:  db,
		Clock:     clock.Now,
		IDs:       identity.NewGenerator(clock.Now),
		ChangeIDs: identity.NewUUIDProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustAddPlace(t *testing.T, store *Store, name string, lat, lng float64) Place {
	t.Helper()
	place, err := store.AddPlace(context.Background(), PlaceDraft{
		Name:    name,
		Address: name + " Street 1",
		Lat:     lat,
		Lng:     lng,
	})
	if err != nil {
		t.Fatalf("failed to add place %q: %v", name, err)
	}
	return place
}

func mustSaveScheme(t *testing.T, store *Store, name string) Scheme {
	t.Helper()
	scheme, err := store.SaveAsNewScheme(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to save scheme %q: %v", name, err)
	}
	return scheme
}

func placeIDs(places []Place) []int64 {
	ids := make([]int64, 0, len(places))
	for _, place := range places {
		ids = append(ids, place.ID)
	}
	return ids
}
