package records

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// Patient is never physically deleted; Deleted marks a tombstone.
type Patient struct {
	ID            uuid.UUID       `json:"id"`
	OwnerID       *uuid.UUID      `json:"owner_id,omitempty"`
	Name          string          `json:"name"`
	DOB           *time.Time      `json:"dob,omitempty"`
	MobileNumber  *string         `json:"mobile_number,omitempty"`
	Identifiers   json.RawMessage `json:"identifiers"`
	FHIR          json.RawMessage `json:"fhir,omitempty"`
	ServerVersion int             `json:"server_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted"`
}

// HealthRecord is one clinical document of a patient. Data is stored as
// given and never interpreted by the server.
type HealthRecord struct {
	ID            uuid.UUID       `json:"id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	MobileNumber  *string         `json:"mobile_number,omitempty"`
	ResourceType  string          `json:"resource_type"`
	Data          json.RawMessage `json:"data"`
	ServerVersion int             `json:"server_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted"`
}

// InheritMobile copies the patient's contact number onto the record when the
// record has none of its own.
func (r *HealthRecord) InheritMobile(p *Patient) {
	if (r.MobileNumber == nil || *r.MobileNumber == "") && p != nil && p.MobileNumber != nil {
		m := *p.MobileNumber
		r.MobileNumber = &m
	}
}

// Bump records one accepted write at time now. The timestamp always moves
// forward so a client holding the previous updated_at sees the write in its
// next delta pull.
func (r *HealthRecord) Bump(now time.Time) {
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.ServerVersion++
	r.UpdatedAt = now
}

// ChangedAfter reports whether the stored copy was written strictly after t.
func (r *HealthRecord) ChangedAfter(t time.Time) bool {
	return r.UpdatedAt.After(t)
}
