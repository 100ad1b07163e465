package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/domain/records"
	"github.com/healthsync/healthsync/internal/platform/db"
	"github.com/healthsync/healthsync/internal/platform/queue"
	"github.com/healthsync/healthsync/internal/platform/websocket"
)

// Event types published after a batch commits.
const (
	EventRecordCreated = "record.created"
	EventRecordUpdated = "record.updated"
	EventRecordDeleted = "record.deleted"
	EventRecordUpsert  = "record.upserted"
)

// finishAttempts bounds the tries at storing the terminal state of a claimed
// batch.
const finishAttempts = 3

// Processor runs sync batches, inline for uploads and from the queue for
// submitted batches.
type Processor struct {
	batches    BatchRepository
	patients   records.PatientRepository
	records    records.RecordRepository
	applicator *Applicator
	mapper     *Mapper
	tx         db.TxRunner
	enqueuer   queue.Enqueuer
	publisher  websocket.EventPublisher
	archiver   Archiver
	now        Clock
	logger     zerolog.Logger

	finishBackoff time.Duration
}

// ProcessorDeps groups the collaborators of a Processor. Publisher and
// Archiver are optional.
type ProcessorDeps struct {
	Batches    BatchRepository
	Patients   records.PatientRepository
	Records    records.RecordRepository
	Applicator *Applicator
	Mapper     *Mapper
	Tx         db.TxRunner
	Enqueuer   queue.Enqueuer
	Publisher  websocket.EventPublisher
	Archiver   Archiver
	Clock      Clock
	Logger     zerolog.Logger
}

func NewProcessor(d ProcessorDeps) *Processor {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Archiver == nil {
		d.Archiver = NopArchiver{}
	}
	return &Processor{
		batches:    d.Batches,
		patients:   d.Patients,
		records:    d.Records,
		applicator: d.Applicator,
		mapper:     d.Mapper,
		tx:         d.Tx,
		enqueuer:   d.Enqueuer,
		publisher:  d.Publisher,
		archiver:   d.Archiver,
		now:        d.Clock,
		logger:     d.Logger.With().Str("component", "batch_processor").Logger(),

		finishBackoff: 100 * time.Millisecond,
	}
}

// -- Synchronous path --

// Upload applies req's changes in client order inside one transaction, each
// change in its own savepoint, and stores the batch as DONE.
func (p *Processor) Upload(ctx context.Context, req *UploadRequest) (*UploadReport, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode upload payload: %w", err)
	}

	report := &UploadReport{
		BatchID:   uuid.New(),
		Results:   make([]Outcome, 0, len(req.Changes)),
		Conflicts: []ConflictEntry{},
	}
	var touched []*records.HealthRecord
	var batch *SyncBatch

	err = p.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, raw := range req.Changes {
			var applied Applied
			err := p.tx.WithTx(ctx, func(ctx context.Context) error {
				var err error
				applied, err = p.applicator.Apply(ctx, req.DeviceID, raw)
				return err
			})
			if err != nil {
				p.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("change rolled back")
				applied.Outcome.Status = OutcomeError
				applied.Outcome.ServerVersion = 0
				applied.Outcome.UpdatedAt = nil
				applied.Outcome.Reason = ""
				applied.Conflict = &ConflictEntry{Change: raw, Error: err.Error()}
				applied.Record = nil
			}
			report.Results = append(report.Results, applied.Outcome)
			if applied.Conflict != nil {
				report.Conflicts = append(report.Conflicts, *applied.Conflict)
			}
			if applied.Record != nil {
				touched = append(touched, applied.Record)
			}
		}

		result, err := json.Marshal(struct {
			Results   []Outcome       `json:"results"`
			Conflicts []ConflictEntry `json:"conflicts"`
		}{report.Results, report.Conflicts})
		if err != nil {
			return fmt.Errorf("encode upload result: %w", err)
		}
		now := p.now()
		batch = &SyncBatch{
			ID:          report.BatchID,
			DeviceID:    req.DeviceID,
			Status:      StatusDone,
			Payload:     payload,
			Result:      result,
			ProcessedAt: &now,
		}
		return p.batches.Create(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("batch_id", report.BatchID.String()).
		Str("device_id", req.DeviceID).
		Int("changes", len(req.Changes)).
		Int("conflicts", len(report.Conflicts)).
		Msg("upload applied")

	p.archiver.Archive(ctx, db.TenantFromContext(ctx), batch)
	p.publish(ctx, report.BatchID, touched, outcomeEvent)
	return report, nil
}

// -- Asynchronous path --

// Submit stores a PENDING batch holding payload, which must be an object
// with a changes list.
func (p *Processor) Submit(ctx context.Context, deviceID string, payload json.RawMessage) (*SyncBatch, error) {
	var decoded AsyncPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("invalid batch payload: %w", err)
	}
	b := &SyncBatch{DeviceID: deviceID, Status: StatusPending, Payload: payload}
	if err := p.batches.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Trigger hands an existing batch to the queue and returns the task id.
func (p *Processor) Trigger(ctx context.Context, batchID uuid.UUID) (string, error) {
	if _, err := p.batches.Get(ctx, batchID); err != nil {
		return "", err
	}
	taskID, err := p.enqueuer.Enqueue(ctx, db.TenantFromContext(ctx), batchID)
	if err != nil {
		return "", fmt.Errorf("enqueue batch %s: %w", batchID, err)
	}
	return taskID, nil
}

func (p *Processor) Get(ctx context.Context, batchID uuid.UUID) (*SyncBatch, error) {
	return p.batches.Get(ctx, batchID)
}

// Stuck lists batches that have been PROCESSING for longer than olderThan.
func (p *Processor) Stuck(ctx context.Context, olderThan time.Duration) ([]*SyncBatch, error) {
	return p.batches.ListStuck(ctx, p.now().Add(-olderThan))
}

// Process runs a submitted batch. It is safe under redelivery: only the call
// that moves the batch from PENDING to PROCESSING does any work, every other
// call reports ProcessAlreadyProcessed. A claimed batch always ends DONE or
// FAILED, even when ctx is cancelled part way. The returned error is set only
// for storage failures of the batch row itself.
func (p *Processor) Process(ctx context.Context, batchID uuid.UUID) (*ProcessResult, error) {
	batch, err := p.batches.Get(ctx, batchID)
	if errors.Is(err, ErrBatchNotFound) {
		return &ProcessResult{Status: ProcessNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if batch.Status != StatusPending {
		return &ProcessResult{Status: ProcessAlreadyProcessed}, nil
	}

	claimed, err := p.batches.MarkProcessing(ctx, batchID, p.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &ProcessResult{Status: ProcessAlreadyProcessed}, nil
	}
	log := p.logger.With().Str("batch_id", batchID.String()).Logger()

	var payload AsyncPayload
	if err := json.Unmarshal(batch.Payload, &payload); err != nil {
		reason := "undecodable payload: " + err.Error()
		result, _ := json.Marshal(map[string]string{"error": reason})
		if _, err := p.finish(ctx, batch, StatusFailed, result); err != nil {
			return nil, err
		}
		log.Warn().Str("reason", reason).Msg("batch failed")
		return &ProcessResult{Status: ProcessFailed, Error: reason}, nil
	}

	report := asyncReport{Results: []PatientResult{}, Conflicts: []ConflictEntry{}}
	var touched []*records.HealthRecord
	for _, raw := range payload.Changes {
		if err := ctx.Err(); err != nil {
			report.Error = "interrupted: " + err.Error()
			break
		}
		var (
			patientID uuid.UUID
			recs      []*records.HealthRecord
			failed    []ConflictEntry
		)
		err := p.tx.WithTx(ctx, func(ctx context.Context) error {
			var err error
			patientID, recs, failed, err = p.applyPatientChange(ctx, raw)
			return err
		})
		var skip *skipError
		if errors.As(err, &skip) {
			report.Conflicts = append(report.Conflicts, ConflictEntry{Change: raw, Error: skip.reason})
			continue
		}
		if err != nil {
			report.Conflicts = append(report.Conflicts, ConflictEntry{Change: raw, Error: err.Error()})
			continue
		}
		report.Results = append(report.Results, PatientResult{PatientID: patientID.String(), Status: "ok"})
		report.Conflicts = append(report.Conflicts, failed...)
		touched = append(touched, recs...)
	}

	status := StatusDone
	if report.Error != "" {
		status = StatusFailed
	}
	result, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode batch result: %w", err)
	}
	failure := report.Error
	downgraded, err := p.finish(ctx, batch, status, result)
	if err != nil {
		return nil, err
	}
	if downgraded != "" {
		failure = downgraded
	}
	p.publish(context.WithoutCancel(ctx), batchID, touched, func(*records.HealthRecord) string { return EventRecordUpsert })

	if failure != "" {
		log.Warn().Str("reason", failure).Int("patients", len(report.Results)).Msg("batch failed")
		return &ProcessResult{Status: ProcessFailed, Results: report.Results, Conflicts: report.Conflicts, Error: failure}, nil
	}
	log.Info().Int("patients", len(report.Results)).Int("conflicts", len(report.Conflicts)).Msg("batch processed")
	return &ProcessResult{Status: ProcessDone, Results: report.Results, Conflicts: report.Conflicts}, nil
}

// skipError ends a change without writing anything. Its reason is reported
// as is, without wrapping.
type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

// applyPatientChange upserts one nested patient and its records. A record
// that fails is rolled back to its savepoint and returned in failed without
// touching its siblings.
func (p *Processor) applyPatientChange(ctx context.Context, raw json.RawMessage) (uuid.UUID, []*records.HealthRecord, []ConflictEntry, error) {
	var ch PatientChange
	if err := json.Unmarshal(raw, &ch); err != nil {
		return uuid.Nil, nil, nil, fmt.Errorf("malformed change: %w", err)
	}
	if ch.Patient.empty() {
		return uuid.Nil, nil, nil, &skipError{reason: "No patient data"}
	}

	patient, err := patientFromData(ch.Patient, p.now())
	if err != nil {
		return uuid.Nil, nil, nil, err
	}
	if _, err := p.patients.Upsert(ctx, patient); err != nil {
		return uuid.Nil, nil, nil, err
	}

	deviceID := ""
	if ch.DeviceID != nil {
		deviceID = *ch.DeviceID
	}
	p.mapper.ResolveOrCreate(ctx, ch.Patient.ClientID, patient.ID, deviceID)

	var (
		touched []*records.HealthRecord
		failed  []ConflictEntry
	)
	for _, rawRec := range ch.Records {
		var rec *records.HealthRecord
		err := p.tx.WithTx(ctx, func(ctx context.Context) error {
			var err error
			rec, err = recordFromData(rawRec, patient, p.now())
			if err != nil {
				return err
			}
			_, err = p.records.Upsert(ctx, rec)
			return err
		})
		if err != nil {
			failed = append(failed, ConflictEntry{
				PatientID: patient.ID.String(),
				Record:    rawRec,
				Error:     err.Error(),
			})
			continue
		}
		touched = append(touched, rec)
	}
	return patient.ID, touched, failed, nil
}

// finish moves a claimed batch to its terminal status. It runs detached from
// ctx's cancellation. When a DONE result cannot be stored the batch is marked
// FAILED instead and the storage error is returned as the downgrade reason.
func (p *Processor) finish(ctx context.Context, batch *SyncBatch, status BatchStatus, result json.RawMessage) (downgraded string, err error) {
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	err = p.complete(ctx, batch.ID, status, result, now)
	if err != nil && status != StatusFailed {
		p.logger.Error().Err(err).Str("batch_id", batch.ID.String()).Msg("store batch result")
		downgraded = "store result: " + err.Error()
		status = StatusFailed
		result, _ = json.Marshal(map[string]string{"error": downgraded})
		err = p.complete(ctx, batch.ID, status, result, now)
	}
	if err != nil {
		return "", err
	}
	batch.Status = status
	batch.Result = result
	batch.ProcessedAt = &now
	p.archiver.Archive(ctx, db.TenantFromContext(ctx), batch)
	return downgraded, nil
}

func (p *Processor) complete(ctx context.Context, id uuid.UUID, status BatchStatus, result json.RawMessage, at time.Time) error {
	return queue.RetryWithBackoff(ctx, finishAttempts, p.finishBackoff, func() error {
		return p.batches.Complete(ctx, id, status, result, at)
	})
}

func patientFromData(d *PatientData, now time.Time) (*records.Patient, error) {
	p := &records.Patient{
		Name:         d.Name,
		MobileNumber: d.MobileNumber,
		Identifiers:  d.Identifiers,
		FHIR:         d.FHIR,
		UpdatedAt:    now,
		Deleted:      d.Deleted,
	}
	if d.ID != "" {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid patient id %q", d.ID)
		}
		p.ID = id
	}
	if d.OwnerID != "" {
		owner, err := uuid.Parse(d.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("invalid owner_id %q", d.OwnerID)
		}
		p.OwnerID = &owner
	}
	if d.DOB != "" {
		dob, err := time.Parse("2006-01-02", d.DOB)
		if err != nil {
			return nil, fmt.Errorf("invalid dob %q", d.DOB)
		}
		p.DOB = &dob
	}
	if len(p.Identifiers) == 0 || string(p.Identifiers) == "null" {
		p.Identifiers = json.RawMessage("{}")
	}
	if len(p.FHIR) == 0 || string(p.FHIR) == "null" {
		p.FHIR = json.RawMessage("{}")
	}
	return p, nil
}

func recordFromData(raw json.RawMessage, patient *records.Patient, now time.Time) (*records.HealthRecord, error) {
	var d RecordData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	rec := &records.HealthRecord{
		PatientID:    patient.ID,
		MobileNumber: d.MobileNumber,
		ResourceType: d.ResourceType,
		Data:         d.Data,
		UpdatedAt:    now,
		Deleted:      d.Deleted,
	}
	if d.ID != "" {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid record id %q", d.ID)
		}
		rec.ID = id
	}
	if rec.ResourceType == "" {
		rec.ResourceType = "Unknown"
	}
	if len(rec.Data) == 0 || string(rec.Data) == "null" {
		rec.Data = json.RawMessage("{}")
	}
	rec.InheritMobile(patient)
	return rec, nil
}

// -- Notifications --

func outcomeEvent(rec *records.HealthRecord) string {
	switch {
	case rec.Deleted:
		return EventRecordDeleted
	case rec.ServerVersion == 1:
		return EventRecordCreated
	default:
		return EventRecordUpdated
	}
}

func (p *Processor) publish(ctx context.Context, batchID uuid.UUID, touched []*records.HealthRecord, eventType func(*records.HealthRecord) string) {
	if p.publisher == nil {
		return
	}
	tenant := db.TenantFromContext(ctx)
	for _, rec := range touched {
		err := p.publisher.Publish(ctx, websocket.Event{
			Type:          eventType(rec),
			Tenant:        tenant,
			ResourceType:  rec.ResourceType,
			RecordID:      rec.ID.String(),
			PatientID:     rec.PatientID.String(),
			BatchID:       batchID.String(),
			ServerVersion: rec.ServerVersion,
			Deleted:       rec.Deleted,
			Timestamp:     rec.UpdatedAt,
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("change event not published")
		}
	}
}
