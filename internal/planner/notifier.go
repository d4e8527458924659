package planner

import "github.com/wayplan/wayplan/internal/route"

// Notifier receives presentation-layer notifications. Implementations must
// not call back into the Store from within a notification.
type Notifier interface {
	PlacesChanged(places []Place)
	RouteChanged(active []Place)
	SummaryChanged(summary route.Summary)
	SchemesChanged(schemes []Scheme)
	Toast(message string)
}

type nopNotifier struct{}

func (nopNotifier) PlacesChanged([]Place)        {}
func (nopNotifier) RouteChanged([]Place)         {}
func (nopNotifier) SummaryChanged(route.Summary) {}
func (nopNotifier) SchemesChanged([]Scheme)      {}
func (nopNotifier) Toast(string)                 {}
