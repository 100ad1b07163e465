//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/healthsync/healthsync/internal/domain/reconcile"
	"github.com/healthsync/healthsync/internal/domain/records"
	"github.com/healthsync/healthsync/internal/platform/db"
)

func TestMultiTenantIsolation(t *testing.T) {
	ctx := context.Background()
	tenantA := uniqueTenantID("tenantA")
	tenantB := uniqueTenantID("tenantB")
	createTenantSchema(t, ctx, tenantA)
	createTenantSchema(t, ctx, tenantB)
	s := newStack(t)

	pA := seedPatient(t, ctx, s, tenantA, nil)

	var recordID uuid.UUID
	err := withTenant(ctx, tenantA, func(ctx context.Context) error {
		report, err := s.processor.Upload(ctx, &reconcile.UploadRequest{
			DeviceID: "tablet-a",
			Changes: []json.RawMessage{rawChange(t, map[string]interface{}{
				"operation":     "create",
				"resource_type": "Observation",
				"patient_id":    pA.ID.String(),
				"payload":       map[string]interface{}{"code": "temp"},
			})},
		})
		if err != nil {
			return err
		}
		recordID = uuid.MustParse(report.Results[0].ServerID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("RecordInvisibleToOtherTenant", func(t *testing.T) {
		err := withTenant(ctx, tenantB, func(ctx context.Context) error {
			_, err := s.records.GetByID(ctx, recordID)
			if !errors.Is(err, records.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			feed, err := s.feed.ChangesSince(ctx, pA.UpdatedAt.AddDate(0, 0, -1))
			if err != nil {
				return err
			}
			if len(feed.Changes) != 0 {
				t.Errorf("tenant B feed leaked %d changes", len(feed.Changes))
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("CreateAgainstForeignPatient", func(t *testing.T) {
		err := withTenant(ctx, tenantB, func(ctx context.Context) error {
			report, err := s.processor.Upload(ctx, &reconcile.UploadRequest{
				DeviceID: "tablet-b",
				Changes: []json.RawMessage{rawChange(t, map[string]interface{}{
					"operation":     "create",
					"resource_type": "Observation",
					"patient_id":    pA.ID.String(),
					"payload":       map[string]interface{}{"code": "temp"},
				})},
			})
			if err != nil {
				return err
			}
			if report.Results[0].Status != reconcile.OutcomePatientNotFound {
				t.Errorf("expected patient_not_found, got %s", report.Results[0].Status)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ListTenants", func(t *testing.T) {
		tenants, err := db.ListTenants(ctx, globalDB.Pool)
		if err != nil {
			t.Fatal(err)
		}
		seen := map[string]bool{}
		for _, tn := range tenants {
			seen[tn] = true
		}
		if !seen[tenantA] || !seen[tenantB] {
			t.Errorf("ListTenants = %v, missing %s or %s", tenants, tenantA, tenantB)
		}
	})
}
