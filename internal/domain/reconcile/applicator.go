package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthsync/healthsync/internal/domain/records"
)

// Clock returns the server time stamped on writes.
type Clock func() time.Time

// SystemClock is UTC wall time at the precision Postgres stores.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 timestamps with or without a zone. A
// timestamp without a zone is taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Applied is what applying one change produced. Record is the stored record
// after the write, nil when nothing was written.
type Applied struct {
	Outcome  Outcome
	Conflict *ConflictEntry
	Record   *records.HealthRecord
}

// Applicator applies single create, update and delete changes.
type Applicator struct {
	patients  records.PatientRepository
	records   records.RecordRepository
	mapper    *Mapper
	conflicts *ConflictRecorder
	now       Clock
}

func NewApplicator(patients records.PatientRepository, recs records.RecordRepository, mapper *Mapper, conflicts *ConflictRecorder, now Clock) *Applicator {
	if now == nil {
		now = SystemClock
	}
	return &Applicator{patients: patients, records: recs, mapper: mapper, conflicts: conflicts, now: now}
}

// Apply applies one raw change. Bad input and missing targets are reported
// through the returned Outcome; the error is reserved for storage failures,
// in which case the caller must discard the change's writes.
func (a *Applicator) Apply(ctx context.Context, deviceID string, raw json.RawMessage) (Applied, error) {
	var ch Change
	if err := json.Unmarshal(raw, &ch); err != nil {
		return invalid(raw, ch, "malformed change: "+err.Error()), nil
	}

	switch ch.Operation {
	case OpCreate:
		return a.create(ctx, deviceID, raw, ch)
	case OpUpdate:
		return a.update(ctx, raw, ch)
	case OpDelete:
		return a.delete(ctx, raw, ch)
	default:
		return invalid(raw, ch, fmt.Sprintf("unknown operation %q", ch.Operation)), nil
	}
}

func (a *Applicator) create(ctx context.Context, deviceID string, raw json.RawMessage, ch Change) (Applied, error) {
	out := Applied{Outcome: Outcome{ClientTempID: ch.ClientTempID}}

	if ch.ResourceType == "" {
		return invalid(raw, ch, "resource_type is required"), nil
	}
	if len(ch.Payload) == 0 {
		return invalid(raw, ch, "payload is required"), nil
	}

	ref := ch.PatientID
	if ref == "" {
		ref = payloadPatientID(ch.Payload)
	}
	if ref == "" {
		out.Outcome.Status = OutcomePatientNotFound
		return out, nil
	}
	patientID, err := uuid.Parse(ref)
	if err != nil {
		return invalid(raw, ch, fmt.Sprintf("invalid patient_id %q", ref)), nil
	}

	patient, err := a.patients.GetByID(ctx, patientID)
	if errors.Is(err, records.ErrNotFound) {
		out.Outcome.Status = OutcomePatientNotFound
		return out, nil
	}
	if err != nil {
		return out, err
	}

	rec := &records.HealthRecord{
		PatientID:     patient.ID,
		MobileNumber:  ch.MobileNumber,
		ResourceType:  ch.ResourceType,
		Data:          ch.Payload,
		ServerVersion: 1,
		UpdatedAt:     a.now(),
	}
	rec.InheritMobile(patient)
	if err := a.records.Create(ctx, rec); err != nil {
		return out, err
	}
	a.mapper.ResolveOrCreate(ctx, ch.ClientTempID, rec.ID, deviceID)

	out.Outcome = Outcome{
		ClientTempID:  ch.ClientTempID,
		ServerID:      rec.ID.String(),
		Status:        OutcomeCreated,
		ServerVersion: rec.ServerVersion,
		UpdatedAt:     &rec.UpdatedAt,
	}
	out.Record = rec
	return out, nil
}

func (a *Applicator) update(ctx context.Context, raw json.RawMessage, ch Change) (Applied, error) {
	out := Applied{Outcome: Outcome{ClientTempID: ch.ClientTempID, ServerID: ch.ServerID}}

	id, reason := parseServerID(ch)
	if reason != "" {
		return invalid(raw, ch, reason), nil
	}
	if len(ch.Payload) == 0 {
		return invalid(raw, ch, "payload is required"), nil
	}
	var baseline *time.Time
	if ch.ClientUpdatedAt != "" {
		t, err := ParseTimestamp(ch.ClientUpdatedAt)
		if err != nil {
			return invalid(raw, ch, "invalid client_updated_at: "+err.Error()), nil
		}
		baseline = &t
	}

	rec, err := a.records.GetForUpdate(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		out.Outcome.Status = OutcomeNotFound
		return out, nil
	}
	if err != nil {
		return out, err
	}

	if baseline != nil && rec.ChangedAfter(*baseline) {
		resourceType := ch.ResourceType
		if resourceType == "" {
			resourceType = rec.ResourceType
		}
		c, err := a.conflicts.Record(ctx, &rec.ID, resourceType, ch.Payload, rec.Data)
		if err != nil {
			return out, err
		}
		out.Outcome.Status = OutcomeConflict
		out.Conflict = &ConflictEntry{
			ServerID:   rec.ID.String(),
			Reason:     ReasonServerNewer,
			ConflictID: c.ID.String(),
		}
		return out, nil
	}

	rec.Data = ch.Payload
	rec.Bump(a.now())
	if err := a.records.Save(ctx, rec); err != nil {
		return out, err
	}

	out.Outcome.Status = OutcomeUpdated
	out.Outcome.ServerID = rec.ID.String()
	out.Outcome.ServerVersion = rec.ServerVersion
	out.Outcome.UpdatedAt = &rec.UpdatedAt
	out.Record = rec
	return out, nil
}

// delete never checks for conflicts: a deletion always wins.
func (a *Applicator) delete(ctx context.Context, raw json.RawMessage, ch Change) (Applied, error) {
	out := Applied{Outcome: Outcome{ClientTempID: ch.ClientTempID, ServerID: ch.ServerID}}

	id, reason := parseServerID(ch)
	if reason != "" {
		return invalid(raw, ch, reason), nil
	}

	rec, err := a.records.GetForUpdate(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		out.Outcome.Status = OutcomeNotFound
		return out, nil
	}
	if err != nil {
		return out, err
	}

	rec.Deleted = true
	rec.Bump(a.now())
	if err := a.records.Save(ctx, rec); err != nil {
		return out, err
	}

	out.Outcome.Status = OutcomeDeleted
	out.Outcome.ServerVersion = rec.ServerVersion
	out.Outcome.UpdatedAt = &rec.UpdatedAt
	out.Record = rec
	return out, nil
}

func parseServerID(ch Change) (uuid.UUID, string) {
	if ch.ServerID == "" {
		return uuid.Nil, "server_id is required"
	}
	id, err := uuid.Parse(ch.ServerID)
	if err != nil {
		return uuid.Nil, fmt.Sprintf("invalid server_id %q", ch.ServerID)
	}
	return id, ""
}

// payloadPatientID reads payload.patient_id, which older clients send
// instead of a top-level patient_id.
func payloadPatientID(payload json.RawMessage) string {
	var p struct {
		PatientID string `json:"patient_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.PatientID
}

func invalid(raw json.RawMessage, ch Change, reason string) Applied {
	return Applied{
		Outcome: Outcome{
			ClientTempID: ch.ClientTempID,
			ServerID:     ch.ServerID,
			Status:       OutcomeInvalid,
			Reason:       reason,
		},
		Conflict: &ConflictEntry{Change: raw, Reason: reason},
	}
}
