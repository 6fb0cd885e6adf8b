package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"licensedesk.app/server/models"
)

var (
	ErrDuplicateKey     = errors.New("license key already exists")
	ErrKeyImmutable     = errors.New("license key cannot change once saved")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrProductNotFound  = errors.New("product not found")
)

// Storage persists customers, products and licenses. Lookups of records that
// do not exist return (nil, nil).
type Storage interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error)
	SaveCustomer(ctx context.Context, customer *models.Customer) error

	GetProduct(ctx context.Context, id string) (*models.Product, error)
	SaveProduct(ctx context.Context, product *models.Product) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error)
	FindLicensesByProduct(ctx context.Context, productID string) ([]*models.License, error)
	// FindActiveLicensesExpiringBetween returns active licenses whose
	// expiration date lies in [from, to].
	FindActiveLicensesExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error)
	// SaveLicense inserts or updates a license. Updating a license with a
	// different key than the stored one fails with ErrKeyImmutable.
	SaveLicense(ctx context.Context, license *models.License) error
	// ExpireActiveLicensesBefore moves every active license whose expiration
	// date is before day to the expired state in one batch.
	ExpireActiveLicensesBefore(ctx context.Context, day, now time.Time) (int64, error)

	// NextSequence returns the next value of the named counter, starting at 1.
	NextSequence(ctx context.Context, code string) (int64, error)

	Close() error
}

// Open returns the storage backend named by driver.
func Open(driver, path string) (Storage, error) {
	switch driver {
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite", "sqlite3", "":
		return NewSQLiteStorage(path)
	case "bolt", "bbolt":
		return NewBoltStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func isActiveBefore(l *models.License, day time.Time) bool {
	return l.State == models.StateActive &&
		l.ExpirationDate != nil &&
		models.Date(*l.ExpirationDate).Before(models.Date(day))
}

func isActiveBetween(l *models.License, from, to time.Time) bool {
	if l.State != models.StateActive || l.ExpirationDate == nil {
		return false
	}
	exp := models.Date(*l.ExpirationDate)
	return !exp.Before(models.Date(from)) && !exp.After(models.Date(to))
}

func sortLicenses(licenses []*models.License) {
	sort.Slice(licenses, func(i, j int) bool {
		if licenses[i].Number != licenses[j].Number {
			return licenses[i].Number < licenses[j].Number
		}
		return licenses[i].ID < licenses[j].ID
	})
}
