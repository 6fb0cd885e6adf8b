package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"licensedesk.app/server/models"
)

var (
	bucketCustomers   = []byte("customers")
	bucketProducts    = []byte("products")
	bucketLicenses    = []byte("licenses")
	bucketLicenseKeys = []byte("license_keys")
	bucketSequences   = []byte("sequences")
)

// BoltStorage keeps records as JSON documents in a single bbolt file, with a
// key-to-id index bucket enforcing license key uniqueness.
type BoltStorage struct {
	db *bbolt.DB
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCustomers, bucketProducts, bucketLicenses, bucketLicenseKeys, bucketSequences} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStorage{db: db}, nil
}

func getJSON[T any](tx *bbolt.Tx, bucket []byte, id string) (*T, error) {
	raw := tx.Bucket(bucket).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", bucket, id, err)
	}
	return &v, nil
}

func putJSON(tx *bbolt.Tx, bucket []byte, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(id), raw)
}

func (b *BoltStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var customer *models.Customer
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		customer, err = getJSON[models.Customer](tx, bucketCustomers, id)
		return err
	})
	return customer, err
}

func (b *BoltStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	var found *models.Customer
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCustomers).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var customer models.Customer
			if err := json.Unmarshal(v, &customer); err != nil {
				return err
			}
			if customer.Email == emailAddress {
				found = &customer
			}
			return nil
		})
	})
	return found, err
}

func (b *BoltStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketCustomers, customer.ID, customer)
	})
}

func (b *BoltStorage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product *models.Product
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		product, err = getJSON[models.Product](tx, bucketProducts, id)
		return err
	})
	return product, err
}

func (b *BoltStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketProducts, product.ID, product)
	})
}

func (b *BoltStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	var license *models.License
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		license, err = getJSON[models.License](tx, bucketLicenses, id)
		return err
	})
	return license, err
}

func (b *BoltStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	var license *models.License
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketLicenseKeys).Get([]byte(key))
		if id == nil {
			return nil
		}
		var err error
		license, err = getJSON[models.License](tx, bucketLicenses, string(id))
		return err
	})
	return license, err
}

func (b *BoltStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	return b.filterLicenses(func(l *models.License) bool { return l.CustomerID == customerID })
}

func (b *BoltStorage) FindLicensesByProduct(ctx context.Context, productID string) ([]*models.License, error) {
	return b.filterLicenses(func(l *models.License) bool { return l.ProductID == productID })
}

func (b *BoltStorage) FindActiveLicensesExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error) {
	return b.filterLicenses(func(l *models.License) bool { return isActiveBetween(l, from, to) })
}

func (b *BoltStorage) filterLicenses(match func(*models.License) bool) ([]*models.License, error) {
	var licenses []*models.License
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLicenses).ForEach(func(k, v []byte) error {
			var license models.License
			if err := json.Unmarshal(v, &license); err != nil {
				return fmt.Errorf("failed to decode license %s: %w", k, err)
			}
			if match(&license) {
				licenses = append(licenses, &license)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortLicenses(licenses)
	return licenses, nil
}

func (b *BoltStorage) SaveLicense(ctx context.Context, license *models.License) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketCustomers).Get([]byte(license.CustomerID)) == nil {
			return ErrCustomerNotFound
		}
		if tx.Bucket(bucketProducts).Get([]byte(license.ProductID)) == nil {
			return ErrProductNotFound
		}

		keys := tx.Bucket(bucketLicenseKeys)
		if owner := keys.Get([]byte(license.Key)); owner != nil && string(owner) != license.ID {
			return ErrDuplicateKey
		}

		previous, err := getJSON[models.License](tx, bucketLicenses, license.ID)
		if err != nil {
			return err
		}
		if previous != nil && previous.Key != license.Key {
			return ErrKeyImmutable
		}

		if err := keys.Put([]byte(license.Key), []byte(license.ID)); err != nil {
			return err
		}
		return putJSON(tx, bucketLicenses, license.ID, license)
	})
}

func (b *BoltStorage) ExpireActiveLicensesBefore(ctx context.Context, day, now time.Time) (int64, error) {
	var expired int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var due []*models.License
		err := tx.Bucket(bucketLicenses).ForEach(func(k, v []byte) error {
			var license models.License
			if err := json.Unmarshal(v, &license); err != nil {
				return fmt.Errorf("failed to decode license %s: %w", k, err)
			}
			if isActiveBefore(&license, day) {
				due = append(due, &license)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Buckets must not be modified inside ForEach.
		for _, license := range due {
			license.State = models.StateExpired
			license.UpdatedAt = now
			if err := putJSON(tx, bucketLicenses, license.ID, license); err != nil {
				return err
			}
		}
		expired = int64(len(due))
		return nil
	})
	return expired, err
}

func (b *BoltStorage) NextSequence(ctx context.Context, code string) (int64, error) {
	var value uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(bucketSequences).CreateBucketIfNotExists([]byte(code))
		if err != nil {
			return err
		}
		value, err = seq.NextSequence()
		return err
	})
	return int64(value), err
}

func (b *BoltStorage) Close() error {
	return b.db.Close()
}
