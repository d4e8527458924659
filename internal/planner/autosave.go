package planner

// saveState is the dirty-tracking state of the working session.
type saveState int

const (
	stateClean saveState = iota
	stateDirty
	stateSaving
)

// dirtyTracker is the Clean/Dirty/Saving machine guarding autosave. The
// Saving state rejects nested triggers, so a mutation raised from within an
// in-progress save cannot re-enter the save path.
type dirtyTracker struct {
	state saveState
}

// MarkDirty records an unsaved mutation. It reports false when a save is in
// progress, in which case the trigger must be ignored.
func (t *dirtyTracker) MarkDirty() bool {
	if t.state == stateSaving {
		return false
	}
	t.state = stateDirty
	return true
}

// BeginSave transitions Dirty to Saving. Only a dirty session can be saved.
func (t *dirtyTracker) BeginSave() bool {
	if t.state != stateDirty {
		return false
	}
	t.state = stateSaving
	return true
}

// FinishSave completes an in-progress save: Clean on success, back to Dirty
// on failure so the next mutation retries.
func (t *dirtyTracker) FinishSave(success bool) {
	if t.state != stateSaving {
		return
	}
	if success {
		t.state = stateClean
	} else {
		t.state = stateDirty
	}
}

// Reset forces the Clean state, used after an explicit save or load.
func (t *dirtyTracker) Reset() {
	t.state = stateClean
}

// Dirty reports whether unsaved changes exist.
func (t *dirtyTracker) Dirty() bool {
	return t.state == stateDirty
}
