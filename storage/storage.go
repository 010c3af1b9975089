package storage

import (
	"context"
	"sync"
	"time"

	"flowdeck.app/cloud/models"
)

// LicenseUpdate is a targeted partial update. Nil fields are left untouched;
// ClearExpiration sets the expiration date to NULL regardless of
// ExpirationDate. Re-keying a record to another payment id goes through
// UpsertLicense, where the natural-key conflict handling lives.
type LicenseUpdate struct {
	Status          *string
	ExpirationDate  *time.Time
	ClearExpiration bool
	UpdatedAt       time.Time
}

// Storage is the license store contract the reconciliation engine depends on.
// Every Find* method returns (nil, nil) when no record matches.
type Storage interface {
	UpsertLicense(ctx context.Context, license *models.License) error
	UpdateLicense(ctx context.Context, id string, update LicenseUpdate) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindActiveLicenseByUser(ctx context.Context, userID string) (*models.License, error)
	FindTrialLicenseByUser(ctx context.Context, userID string) (*models.License, error)
	FindSubscriptionLicenseByUser(ctx context.Context, userID string) (*models.License, error)
	FindLicenseByStripePaymentID(ctx context.Context, paymentID string) (*models.License, error)

	Close() error
}

// MemoryStorage is an in-memory store used by tests.
type MemoryStorage struct {
	mu       sync.Mutex
	licenses map[string]models.License
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{licenses: make(map[string]models.License)}
}

func (m *MemoryStorage) UpsertLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A non-empty payment id is the natural key: a second record carrying the
	// same id replaces the first, mirroring the unique index in SQLite.
	if license.StripePaymentID != "" {
		for id, existing := range m.licenses {
			if id != license.ID && existing.StripePaymentID == license.StripePaymentID {
				replaced := *license
				replaced.ID = existing.ID
				m.licenses[existing.ID] = replaced
				return nil
			}
		}
	}

	m.licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) UpdateLicense(ctx context.Context, id string, update LicenseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[id]
	if !exists {
		return nil
	}
	if update.Status != nil {
		license.Status = *update.Status
	}
	if update.ClearExpiration {
		license.ExpirationDate = nil
	} else if update.ExpirationDate != nil {
		license.ExpirationDate = update.ExpirationDate
	}
	license.UpdatedAt = update.UpdatedAt
	m.licenses[id] = license
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[id]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindActiveLicenseByUser(ctx context.Context, userID string) (*models.License, error) {
	return m.find(func(l models.License) bool {
		return l.UserID == userID && l.Status == models.StatusActive
	})
}

func (m *MemoryStorage) FindTrialLicenseByUser(ctx context.Context, userID string) (*models.License, error) {
	return m.find(func(l models.License) bool {
		return l.UserID == userID && l.LicenseType == models.TypeFreeTrial
	})
}

func (m *MemoryStorage) FindSubscriptionLicenseByUser(ctx context.Context, userID string) (*models.License, error) {
	return m.find(func(l models.License) bool {
		return l.UserID == userID && l.LicenseType == models.TypeSubscription
	})
}

func (m *MemoryStorage) FindLicenseByStripePaymentID(ctx context.Context, paymentID string) (*models.License, error) {
	if paymentID == "" {
		return nil, nil
	}
	return m.find(func(l models.License) bool {
		return l.StripePaymentID == paymentID
	})
}

func (m *MemoryStorage) find(match func(models.License) bool) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, license := range m.licenses {
		if match(license) {
			found := license
			return &found, nil
		}
	}
	return nil, nil
}

// Count returns the number of stored records. Tests use it to assert that
// replayed events did not create duplicates.
func (m *MemoryStorage) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.licenses)
}

func (m *MemoryStorage) Close() error {
	return nil
}
