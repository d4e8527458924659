package planner

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// State record keys. The working session and the stored scheme collection are
// two independent key-value records.
const (
	stateKeySession = "travelPlannerData"
	stateKeySchemes = "travelSchemes"
)

// StateRecord is one persisted key-value row holding a JSON snapshot.
type StateRecord struct {
	Key              string `gorm:"column:key;primaryKey;size:64;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateRecord) TableName() string {
	return "planner_state"
}

// ChangeOperation enumerates audited scheme mutations.
type ChangeOperation string

const (
	// ChangeOperationCreate records an explicit scheme save.
	ChangeOperationCreate ChangeOperation = "create"
	// ChangeOperationAutosave records an autosave into the current scheme.
	ChangeOperationAutosave ChangeOperation = "autosave"
	// ChangeOperationDelete records a scheme deletion.
	ChangeOperationDelete ChangeOperation = "delete"
	// ChangeOperationImport records a scheme accepted during a merge.
	ChangeOperationImport ChangeOperation = "import"
)

// SchemeChange is an append-only audit row for scheme mutations.
type SchemeChange struct {
	ChangeID         string          `gorm:"column:change_id;primaryKey;size:190;not null"`
	SchemeUUID       string          `gorm:"column:scheme_uuid;size:190;not null;index:idx_scheme_changes_uuid"`
	SchemeName       string          `gorm:"column:scheme_name;size:190;not null"`
	Operation        ChangeOperation `gorm:"column:op;size:32;not null"`
	AppliedAtSeconds int64           `gorm:"column:applied_at_s;not null;index:idx_scheme_changes_time"`
	PlacesCount      int             `gorm:"column:places_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SchemeChange) TableName() string {
	return "scheme_changes"
}

// readState unmarshals the record stored under key into out. It reports
// whether the record existed.
func readState(tx *gorm.DB, key string, out any) (bool, error) {
	var record StateRecord
	err := tx.Where("key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(record.ValueJSON), out); err != nil {
		return false, err
	}
	return true, nil
}

// writeState replaces the record stored under key with the JSON encoding of
// value.
func writeState(tx *gorm.DB, key string, value any, now time.Time) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	record := StateRecord{
		Key:              key,
		ValueJSON:        string(encoded),
		UpdatedAtSeconds: now.Unix(),
	}
	return tx.Save(&record).Error
}
