package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"flowdeck.app/cloud/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStorage is the production license store. Uniqueness of the natural
// keys (stripe_payment_id; one active license per user) is enforced by
// partial unique indexes created in the migrations.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db, path: path}
	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const licenseColumns = `id, user_id, status, license_type, purchase_date, expiration_date, stripe_customer_id, stripe_payment_id, created_at, updated_at`

func (s *SQLiteStorage) UpsertLicense(ctx context.Context, license *models.License) error {
	query := `INSERT INTO licenses (` + licenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			license_type = excluded.license_type,
			purchase_date = excluded.purchase_date,
			expiration_date = excluded.expiration_date,
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_payment_id = excluded.stripe_payment_id,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		license.ID,
		license.UserID,
		license.Status,
		license.LicenseType,
		license.PurchaseDate,
		nullableTime(license.ExpirationDate),
		license.StripeCustomerID,
		license.StripePaymentID,
		license.CreatedAt,
		license.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateLicense(ctx context.Context, id string, update LicenseUpdate) error {
	assignments := []string{"updated_at = ?"}
	args := []interface{}{update.UpdatedAt}

	if update.Status != nil {
		assignments = append(assignments, "status = ?")
		args = append(args, *update.Status)
	}
	if update.ClearExpiration {
		assignments = append(assignments, "expiration_date = NULL")
	} else if update.ExpirationDate != nil {
		assignments = append(assignments, "expiration_date = ?")
		args = append(args, *update.ExpirationDate)
	}

	args = append(args, id)
	query := "UPDATE licenses SET " + strings.Join(assignments, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
}

func (s *SQLiteStorage) FindActiveLicenseByUser(ctx context.Context, userID string) (*models.License, error) {
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = ? AND status = ?`, userID, models.StatusActive)
}

func (s *SQLiteStorage) FindTrialLicenseByUser(ctx context.Context, userID string) (*models.License, error) {
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = ? AND license_type = ?`, userID, models.TypeFreeTrial)
}

func (s *SQLiteStorage) FindSubscriptionLicenseByUser(ctx context.Context, userID string) (*models.License, error) {
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = ? AND license_type = ?`, userID, models.TypeSubscription)
}

func (s *SQLiteStorage) FindLicenseByStripePaymentID(ctx context.Context, paymentID string) (*models.License, error) {
	if paymentID == "" {
		return nil, nil
	}
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE stripe_payment_id = ?`, paymentID)
}

func (s *SQLiteStorage) queryOne(ctx context.Context, query string, args ...interface{}) (*models.License, error) {
	var license models.License
	var expiration sql.NullTime

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&license.ID,
		&license.UserID,
		&license.Status,
		&license.LicenseType,
		&license.PurchaseDate,
		&expiration,
		&license.StripeCustomerID,
		&license.StripePaymentID,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if expiration.Valid {
		license.ExpirationDate = &expiration.Time
	}
	return &license, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
