package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsync/healthsync/internal/platform/db"
)

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, owner_id, name, dob, mobile_number, identifiers, fhir, server_version, updated_at, deleted`

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	q := db.QuerierFromContext(ctx, r.pool)
	p, err := scanPatient(q.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return p, nil
}

func (r *patientRepoPG) Upsert(ctx context.Context, p *Patient) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if len(p.Identifiers) == 0 {
		p.Identifiers = []byte("{}")
	}
	var created bool
	err := db.QuerierFromContext(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, owner_id, name, dob, mobile_number, identifiers, fhir, server_version, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			dob = EXCLUDED.dob,
			mobile_number = COALESCE(EXCLUDED.mobile_number, patient.mobile_number),
			identifiers = EXCLUDED.identifiers,
			fhir = EXCLUDED.fhir,
			server_version = patient.server_version + 1,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted
		RETURNING server_version, mobile_number, (xmax = 0)`,
		p.ID, p.OwnerID, p.Name, p.DOB, p.MobileNumber, p.Identifiers, nullJSON(p.FHIR), p.UpdatedAt, p.Deleted,
	).Scan(&p.ServerVersion, &p.MobileNumber, &created)
	if err != nil {
		return false, fmt.Errorf("upsert patient %s: %w", p.ID, err)
	}
	return created, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.DOB, &p.MobileNumber, &p.Identifiers, &p.FHIR,
		&p.ServerVersion, &p.UpdatedAt, &p.Deleted)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- HealthRecord Repository --

type recordRepoPG struct {
	pool *pgxpool.Pool
}

func NewRecordRepo(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

const recordCols = `id, patient_id, mobile_number, resource_type, data, server_version, updated_at, deleted`

func (r *recordRepoPG) Create(ctx context.Context, rec *HealthRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := db.QuerierFromContext(ctx, r.pool).Exec(ctx, `
		INSERT INTO health_record (`+recordCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.PatientID, rec.MobileNumber, rec.ResourceType, rec.Data, rec.ServerVersion, rec.UpdatedAt, rec.Deleted,
	)
	if err != nil {
		return fmt.Errorf("create health record: %w", err)
	}
	return nil
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	return r.get(ctx, `SELECT `+recordCols+` FROM health_record WHERE id = $1`, id)
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	return r.get(ctx, `SELECT `+recordCols+` FROM health_record WHERE id = $1 FOR UPDATE`, id)
}

func (r *recordRepoPG) get(ctx context.Context, sql string, id uuid.UUID) (*HealthRecord, error) {
	rec, err := scanRecord(db.QuerierFromContext(ctx, r.pool).QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get health record %s: %w", id, err)
	}
	return rec, nil
}

func (r *recordRepoPG) Save(ctx context.Context, rec *HealthRecord) error {
	tag, err := db.QuerierFromContext(ctx, r.pool).Exec(ctx, `
		UPDATE health_record
		SET data = $2, server_version = $3, updated_at = $4, deleted = $5, mobile_number = $6
		WHERE id = $1`,
		rec.ID, rec.Data, rec.ServerVersion, rec.UpdatedAt, rec.Deleted, rec.MobileNumber,
	)
	if err != nil {
		return fmt.Errorf("save health record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) Upsert(ctx context.Context, rec *HealthRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	var created bool
	err := db.QuerierFromContext(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO health_record (id, patient_id, mobile_number, resource_type, data, server_version, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			mobile_number = COALESCE(EXCLUDED.mobile_number, health_record.mobile_number),
			resource_type = EXCLUDED.resource_type,
			data = EXCLUDED.data,
			server_version = health_record.server_version + 1,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted
		RETURNING server_version, (xmax = 0)`,
		rec.ID, rec.PatientID, rec.MobileNumber, rec.ResourceType, rec.Data, rec.UpdatedAt, rec.Deleted,
	).Scan(&rec.ServerVersion, &created)
	if err != nil {
		return false, fmt.Errorf("upsert health record %s: %w", rec.ID, err)
	}
	return created, nil
}

func (r *recordRepoPG) ChangedSince(ctx context.Context, since time.Time) ([]*HealthRecord, error) {
	rows, err := db.QuerierFromContext(ctx, r.pool).Query(ctx, `
		SELECT `+recordCols+` FROM health_record
		WHERE updated_at > $1
		ORDER BY updated_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("query changed records: %w", err)
	}
	defer rows.Close()

	var out []*HealthRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*HealthRecord, error) {
	var rec HealthRecord
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.MobileNumber, &rec.ResourceType, &rec.Data,
		&rec.ServerVersion, &rec.UpdatedAt, &rec.Deleted)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
