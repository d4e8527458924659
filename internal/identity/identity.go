// Package identity issues scheme and place identifiers for the planner.
//
// Numeric identifiers are derived from wall-clock time plus a random component
// and a process-monotonic counter. They are unique within one running process
// only; merging stores produced by different processes must tolerate numeric
// id collisions (the merge engine reassigns ids on import for this reason).
package identity

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Generator produces process-local numeric identifiers.
type Generator struct {
	mu      sync.Mutex
	clock   func() time.Time
	randN   func(int64) int64
	counter int64
	lastID  int64
}

// NewGenerator constructs a Generator. A nil clock defaults to time.Now.
func NewGenerator(clock func() time.Time) *Generator {
	if clock == nil {
		clock = time.Now
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Generator{clock: clock, randN: rng.Int63n}
}

// NewSchemeID returns a fresh scheme identifier:
// milliseconds*1000 + random(0..999999) + counter. The counter increments once
// per call, and the result is bumped past the previous one so identifiers
// issued by this process are pairwise distinct even within one millisecond.
func (g *Generator) NewSchemeID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	id := g.clock().UnixMilli()*1000 + g.randN(1_000_000) + g.counter
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id
	return id
}

// NewPlaceID returns a fresh place identifier. Places share the scheme id
// construction; uniqueness only matters within a single travel list.
func (g *Generator) NewPlaceID() int64 {
	return g.NewSchemeID()
}

// SchemeUUID derives the stable scheme identity from its name and creation
// time. The name keeps only alphanumerics and CJK ideographs; the timestamp is
// formatted as YYYYMMDD_HHMMSS in local time. Equal inputs always produce
// equal output, so two schemes with the same cleaned name created in the same
// second collide. Callers detect that case during merge instead.
func SchemeUUID(name string, createdAt time.Time) string {
	var cleaned strings.Builder
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			cleaned.WriteRune(r)
		case unicode.Is(unicode.Han, r):
			cleaned.WriteRune(r)
		}
	}
	return cleaned.String() + "_" + createdAt.Format("20060102_150405")
}

// IDProvider abstracts opaque string id generation for audit records.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
