package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"licensedesk.app/server/internal/logger"
	"licensedesk.app/server/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

const licenseColumns = `id, number, license_key, product_id, customer_id, start_date, duration_months,
	expiration_date, state, date_renewed, notes, created_at, updated_at`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases and PRAGMAs consistent.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := storage.migrate(); err != nil {
		_ = db.Close()
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

	version, dirty, _ := m.Version()
	logger.Debug("Database schema up to date", map[string]interface{}{
		"path":    s.path,
		"version": version,
		"dirty":   dirty,
	})
	return nil
}

func (s *SQLiteStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	query := `SELECT id, name, email, parent_id, stripe_customer_id, created_at, updated_at FROM customers WHERE id = ?`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	query := `SELECT id, name, email, parent_id, stripe_customer_id, created_at, updated_at FROM customers WHERE email = ? LIMIT 1`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, emailAddress))
}

func (s *SQLiteStorage) scanCustomer(row *sql.Row) (*models.Customer, error) {
	var customer models.Customer
	var parentID sql.NullString
	err := row.Scan(
		&customer.ID,
		&customer.Name,
		&customer.Email,
		&parentID,
		&customer.StripeCustomerID,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	customer.ParentID = parentID.String
	return &customer, nil
}

func (s *SQLiteStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	query := `INSERT INTO customers (id, name, email, parent_id, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			parent_id = excluded.parent_id,
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		customer.ID,
		customer.Name,
		customer.Email,
		nullString(customer.ParentID),
		customer.StripeCustomerID,
		customer.CreatedAt,
		customer.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	query := `SELECT id, name, is_license, created_at, updated_at FROM products WHERE id = ?`

	var product models.Product
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.IsLicense,
		&product.CreatedAt,
		&product.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &product, nil
}

func (s *SQLiteStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	query := `INSERT INTO products (id, name, is_license, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_license = excluded.is_license,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		product.ID,
		product.Name,
		product.IsLicense,
		product.CreatedAt,
		product.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return s.scanLicense(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`
	return s.scanLicense(s.db.QueryRowContext(ctx, query, key))
}

func (s *SQLiteStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE customer_id = ? ORDER BY number, id`
	return s.queryLicenses(ctx, query, customerID)
}

func (s *SQLiteStorage) FindLicensesByProduct(ctx context.Context, productID string) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE product_id = ? ORDER BY number, id`
	return s.queryLicenses(ctx, query, productID)
}

func (s *SQLiteStorage) FindActiveLicensesExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses
		WHERE state = ? AND expiration_date IS NOT NULL AND expiration_date >= ? AND expiration_date <= ?
		ORDER BY number, id`
	return s.queryLicenses(ctx, query,
		string(models.StateActive),
		models.Date(from).Format(models.DateLayout),
		models.Date(to).Format(models.DateLayout),
	)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStorage) scanLicense(row *sql.Row) (*models.License, error) {
	license, err := scanLicenseRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func scanLicenseRow(row rowScanner) (*models.License, error) {
	var license models.License
	var startDate, state string
	var expirationDate, dateRenewed sql.NullString

	err := row.Scan(
		&license.ID,
		&license.Number,
		&license.Key,
		&license.ProductID,
		&license.CustomerID,
		&startDate,
		&license.DurationMonths,
		&expirationDate,
		&state,
		&dateRenewed,
		&license.Notes,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	license.State = models.State(state)
	if license.StartDate, err = models.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	if license.ExpirationDate, err = parseNullDate(expirationDate); err != nil {
		return nil, fmt.Errorf("invalid expiration date: %w", err)
	}
	if license.DateRenewed, err = parseNullDate(dateRenewed); err != nil {
		return nil, fmt.Errorf("invalid renewal date: %w", err)
	}

	return &license, nil
}

func (s *SQLiteStorage) queryLicenses(ctx context.Context, query string, args ...any) ([]*models.License, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicenseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}

	return licenses, nil
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedKey string
	err = tx.QueryRowContext(ctx, `SELECT license_key FROM licenses WHERE id = ?`, license.ID).Scan(&storedKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to load license %s: %w", license.ID, err)
	case storedKey != license.Key:
		return ErrKeyImmutable
	}

	query := `INSERT INTO licenses (` + licenseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			product_id = excluded.product_id,
			customer_id = excluded.customer_id,
			start_date = excluded.start_date,
			duration_months = excluded.duration_months,
			expiration_date = excluded.expiration_date,
			state = excluded.state,
			date_renewed = excluded.date_renewed,
			notes = excluded.notes,
			updated_at = excluded.updated_at`

	_, err = tx.ExecContext(ctx, query,
		license.ID,
		license.Number,
		license.Key,
		license.ProductID,
		license.CustomerID,
		models.Date(license.StartDate).Format(models.DateLayout),
		license.DurationMonths,
		nullDate(license.ExpirationDate),
		string(license.State),
		nullDate(license.DateRenewed),
		license.Notes,
		license.CreatedAt,
		license.UpdatedAt,
	)

	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique:
				return ErrDuplicateKey
			case sqlite3.ErrConstraintForeignKey:
				return fmt.Errorf("license references unknown customer or product: %w", err)
			}
		}
		return fmt.Errorf("failed to save license: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit license %s: %w", license.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) ExpireActiveLicensesBefore(ctx context.Context, day, now time.Time) (int64, error) {
	query := `UPDATE licenses SET state = ?, updated_at = ?
		WHERE state = ? AND expiration_date IS NOT NULL AND expiration_date < ?`

	result, err := s.db.ExecContext(ctx, query,
		string(models.StateExpired),
		now,
		string(models.StateActive),
		models.Date(day).Format(models.DateLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire licenses: %w", err)
	}

	return result.RowsAffected()
}

func (s *SQLiteStorage) NextSequence(ctx context.Context, code string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO sequences (code, next_value) VALUES (?, 1)
		ON CONFLICT(code) DO UPDATE SET next_value = next_value + 1`, code)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", code, err)
	}

	var value int64
	if err := tx.QueryRowContext(ctx, `SELECT next_value FROM sequences WHERE code = ?`, code).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", code, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sequence %s: %w", code, err)
	}

	return value, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(d *time.Time) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: models.Date(*d).Format(models.DateLayout), Valid: true}
}

func parseNullDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := models.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
