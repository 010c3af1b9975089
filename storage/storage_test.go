package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"flowdeck.app/cloud/models"
)

func testLicense(id, userID, paymentID string) *models.License {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.License{
		ID:               id,
		UserID:           userID,
		Status:           models.StatusActive,
		LicenseType:      models.TypeSubscription,
		PurchaseDate:     now,
		StripeCustomerID: "cus_" + userID,
		StripePaymentID:  paymentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func runStorageSuite(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("UpsertAndGet", func(t *testing.T) {
		license := testLicense("l1", "u1", "sub_1")
		if err := store.UpsertLicense(ctx, license); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		got, err := store.GetLicense(ctx, "l1")
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if got == nil || got.UserID != "u1" {
			t.Fatalf("Expected license for u1, got %+v", got)
		}
		if got.ExpirationDate != nil {
			t.Errorf("Expected nil expiration, got %v", got.ExpirationDate)
		}
	})

	t.Run("UpsertReplacesById", func(t *testing.T) {
		license := testLicense("l1", "u1", "sub_1")
		license.Status = models.StatusExpired
		if err := store.UpsertLicense(ctx, license); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		got, _ := store.GetLicense(ctx, "l1")
		if got.Status != models.StatusExpired {
			t.Errorf("Expected status expired, got %q", got.Status)
		}
	})

	t.Run("FindByStripePaymentID", func(t *testing.T) {
		got, err := store.FindLicenseByStripePaymentID(ctx, "sub_1")
		if err != nil {
			t.Fatalf("Failed to find: %v", err)
		}
		if got == nil || got.ID != "l1" {
			t.Fatalf("Expected license l1, got %+v", got)
		}

		got, err = store.FindLicenseByStripePaymentID(ctx, "sub_missing")
		if err != nil || got != nil {
			t.Errorf("Expected (nil, nil) for unknown payment id, got %+v, %v", got, err)
		}

		got, err = store.FindLicenseByStripePaymentID(ctx, "")
		if err != nil || got != nil {
			t.Errorf("Expected (nil, nil) for empty payment id, got %+v, %v", got, err)
		}
	})

	t.Run("FindShapesByUser", func(t *testing.T) {
		expiration := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		trial := testLicense("l2", "u2", "")
		trial.LicenseType = models.TypeFreeTrial
		trial.ExpirationDate = &expiration
		if err := store.UpsertLicense(ctx, trial); err != nil {
			t.Fatalf("Failed to upsert trial: %v", err)
		}

		got, err := store.FindTrialLicenseByUser(ctx, "u2")
		if err != nil || got == nil || got.ID != "l2" {
			t.Fatalf("Expected trial l2, got %+v, %v", got, err)
		}
		if got.ExpirationDate == nil || !got.ExpirationDate.Equal(expiration) {
			t.Errorf("Expected expiration %v, got %v", expiration, got.ExpirationDate)
		}

		got, err = store.FindActiveLicenseByUser(ctx, "u2")
		if err != nil || got == nil {
			t.Fatalf("Expected active license for u2, got %+v, %v", got, err)
		}

		got, err = store.FindSubscriptionLicenseByUser(ctx, "u2")
		if err != nil || got != nil {
			t.Errorf("Expected no subscription license for u2, got %+v", got)
		}

		got, err = store.FindActiveLicenseByUser(ctx, "nobody")
		if err != nil || got != nil {
			t.Errorf("Expected (nil, nil) for unknown user, got %+v, %v", got, err)
		}
	})

	t.Run("SubscriptionLookupIgnoresStatus", func(t *testing.T) {
		expired := testLicense("l3", "u3", "sub_3")
		expired.Status = models.StatusExpired
		if err := store.UpsertLicense(ctx, expired); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		got, err := store.FindSubscriptionLicenseByUser(ctx, "u3")
		if err != nil || got == nil || got.ID != "l3" {
			t.Fatalf("Expected expired subscription record found, got %+v, %v", got, err)
		}
	})

	t.Run("PartialUpdate", func(t *testing.T) {
		expired := models.StatusExpired
		err := store.UpdateLicense(ctx, "l1", LicenseUpdate{
			Status:    &expired,
			UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("Failed to update: %v", err)
		}

		got, _ := store.GetLicense(ctx, "l1")
		if got.Status != models.StatusExpired {
			t.Errorf("Expected status expired, got %q", got.Status)
		}
		// Untouched fields survive a partial update.
		if got.StripePaymentID != "sub_1" {
			t.Errorf("Expected payment id preserved, got %q", got.StripePaymentID)
		}
	})

	t.Run("SetExpiration", func(t *testing.T) {
		expiration := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		err := store.UpdateLicense(ctx, "l1", LicenseUpdate{
			ExpirationDate: &expiration,
			UpdatedAt:      time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Failed to update: %v", err)
		}

		got, _ := store.GetLicense(ctx, "l1")
		if got.ExpirationDate == nil || !got.ExpirationDate.Equal(expiration) {
			t.Errorf("Expected expiration %v, got %v", expiration, got.ExpirationDate)
		}
	})

	t.Run("ClearExpiration", func(t *testing.T) {
		err := store.UpdateLicense(ctx, "l2", LicenseUpdate{
			ClearExpiration: true,
			UpdatedAt:       time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Failed to update: %v", err)
		}

		got, _ := store.GetLicense(ctx, "l2")
		if got.ExpirationDate != nil {
			t.Errorf("Expected cleared expiration, got %v", got.ExpirationDate)
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()
	defer store.Close()
	runStorageSuite(t, store)
}

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.db")
	store, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to open sqlite storage: %v", err)
	}
	defer store.Close()
	runStorageSuite(t, store)
}

func TestMemoryStorage_PaymentIDConflictUpdates(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	first := testLicense("l1", "u1", "sub_1")
	if err := store.UpsertLicense(ctx, first); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	// A different record id carrying the same payment id resolves to an
	// update of the existing row, not a second row.
	second := testLicense("l2", "u1", "sub_1")
	second.Status = models.StatusExpired
	if err := store.UpsertLicense(ctx, second); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	if store.Count() != 1 {
		t.Fatalf("Expected 1 record, got %d", store.Count())
	}
	got, _ := store.FindLicenseByStripePaymentID(ctx, "sub_1")
	if got.ID != "l1" || got.Status != models.StatusExpired {
		t.Errorf("Expected l1 updated in place, got %+v", got)
	}
}

func TestSQLiteStorage_OneActiveLicensePerUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.db")
	store, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to open sqlite storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.UpsertLicense(ctx, testLicense("l1", "u1", "sub_1")); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	// The partial unique index is the backstop for the engine's per-user
	// serialization: a second active row for the same user must be rejected.
	if err := store.UpsertLicense(ctx, testLicense("l2", "u1", "sub_2")); err == nil {
		t.Errorf("Expected unique constraint violation for second active license")
	}
}
