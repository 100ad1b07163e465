// Package reconcile merges changes made by offline clients into the record
// store. It maps client temp ids to server ids, detects write-write conflicts,
// processes sync batches inline or from a queue, and serves the delta feed.
package reconcile

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrMappingNotFound = errors.New("client id mapping not found")
)

type BatchStatus string

const (
	StatusPending    BatchStatus = "PENDING"
	StatusProcessing BatchStatus = "PROCESSING"
	StatusDone       BatchStatus = "DONE"
	StatusFailed     BatchStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// SyncBatch is one submitted unit of work. Payload is kept as submitted.
type SyncBatch struct {
	ID          uuid.UUID       `json:"id"`
	DeviceID    string          `json:"device_id"`
	Status      BatchStatus     `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Conflict is a detected disagreement between a client edit and the stored
// record. It is left unresolved for review.
type Conflict struct {
	ID             uuid.UUID       `json:"id"`
	RecordServerID *uuid.UUID      `json:"record_server_id,omitempty"`
	ResourceType   string          `json:"resource_type"`
	ClientPayload  json.RawMessage `json:"client_payload"`
	ServerPayload  json.RawMessage `json:"server_payload"`
	CreatedAt      time.Time       `json:"created_at"`
	Resolved       bool            `json:"resolved"`
}

type ClientIDMapping struct {
	ID           uuid.UUID `json:"id"`
	ClientTempID string    `json:"client_temp_id"`
	ServerID     uuid.UUID `json:"server_id"`
	DeviceID     *string   `json:"device_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Outcome statuses reported per change.
const (
	OutcomeCreated         = "created"
	OutcomeUpdated         = "updated"
	OutcomeDeleted         = "deleted"
	OutcomeConflict        = "conflict"
	OutcomeNotFound        = "not_found"
	OutcomePatientNotFound = "patient_not_found"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

// ReasonServerNewer marks an update rejected because the stored record
// changed after the client's baseline.
const ReasonServerNewer = "server_newer"

// Change is one entry of a sync upload as it arrives on the wire. Ids and
// timestamps stay strings here so a malformed value can be reported instead
// of failing the whole request. ClientVersion is accepted in any JSON form
// and never interpreted.
type Change struct {
	Operation       string          `json:"operation"`
	ResourceType    string          `json:"resource_type"`
	ServerID        string          `json:"server_id,omitempty"`
	PatientID       string          `json:"patient_id,omitempty"`
	ClientVersion   json.RawMessage `json:"client_version,omitempty"`
	ClientTempID    string          `json:"client_temp_id,omitempty"`
	ClientUpdatedAt string          `json:"client_updated_at,omitempty"`
	MobileNumber    *string         `json:"mobile_number,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// UploadRequest is the body of a synchronous upload.
type UploadRequest struct {
	DeviceID string            `json:"device_id"`
	Changes  []json.RawMessage `json:"changes"`
}

// Outcome is the per-change entry of an upload's results list.
type Outcome struct {
	ClientTempID  string     `json:"client_temp_id,omitempty"`
	ServerID      string     `json:"server_id,omitempty"`
	Status        string     `json:"status"`
	ServerVersion int        `json:"server_version,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// ConflictEntry is one element of a conflicts list. Which fields are set
// depends on where the failure happened: a stale update carries ServerID,
// Reason and ConflictID; a malformed change carries Change; a failed async
// record carries PatientID and Record.
type ConflictEntry struct {
	ServerID   string          `json:"server_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ConflictID string          `json:"conflict_id,omitempty"`
	Change     json.RawMessage `json:"change,omitempty"`
	PatientID  string          `json:"patient_id,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// UploadReport is the stored result and response of a synchronous upload.
type UploadReport struct {
	BatchID   uuid.UUID       `json:"batch_id"`
	Results   []Outcome       `json:"results"`
	Conflicts []ConflictEntry `json:"conflicts"`
}

// AsyncPayload is the stored payload of a queued batch.
type AsyncPayload struct {
	Changes []json.RawMessage `json:"changes"`
}

// PatientChange is one nested entry of an async payload.
type PatientChange struct {
	Patient  *PatientData      `json:"patient"`
	Records  []json.RawMessage `json:"records"`
	DeviceID *string           `json:"device_id"`
}

type PatientData struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	OwnerID      string          `json:"owner_id"`
	Name         string          `json:"name"`
	DOB          string          `json:"dob"`
	MobileNumber *string         `json:"mobile_number"`
	Identifiers  json.RawMessage `json:"identifiers"`
	FHIR         json.RawMessage `json:"fhir"`
	Deleted      bool            `json:"deleted"`
}

// empty matches a patient object with nothing in it, which is treated like a
// missing one.
func (p *PatientData) empty() bool {
	if p == nil {
		return true
	}
	return p.ID == "" && p.ClientID == "" && p.OwnerID == "" && p.Name == "" && p.DOB == "" &&
		p.MobileNumber == nil && len(p.Identifiers) == 0 && len(p.FHIR) == 0 && !p.Deleted
}

type RecordData struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	Data         json.RawMessage `json:"data"`
	MobileNumber *string         `json:"mobile_number"`
	Deleted      bool            `json:"deleted"`
}

// PatientResult is the per-patient entry of an async results list.
type PatientResult struct {
	PatientID string `json:"patient_id"`
	Status    string `json:"status"`
}

// Process statuses.
const (
	ProcessNotFound         = "batch not found"
	ProcessAlreadyProcessed = "already processed"
	ProcessDone             = "done"
	ProcessFailed           = "failed"
)

// ProcessResult reports what a Process call did.
type ProcessResult struct {
	Status    string          `json:"status"`
	Results   []PatientResult `json:"results,omitempty"`
	Conflicts []ConflictEntry `json:"conflicts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// asyncReport is the stored result of a processed async batch.
type asyncReport struct {
	Results   []PatientResult `json:"results"`
	Conflicts []ConflictEntry `json:"conflicts"`
	Error     string          `json:"error,omitempty"`
}
