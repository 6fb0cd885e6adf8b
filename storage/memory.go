package storage

import (
	"context"
	"sync"
	"time"

	"licensedesk.app/server/models"
)

type MemoryStorage struct {
	mu        sync.RWMutex
	Customers map[string]models.Customer
	Products  map[string]models.Product
	Licenses  map[string]models.License
	sequences map[string]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Customers: make(map[string]models.Customer),
		Products:  make(map[string]models.Product),
		Licenses:  make(map[string]models.License),
		sequences: make(map[string]int64),
	}
}

func (m *MemoryStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	customer, exists := m.Customers[id]
	if !exists {
		return nil, nil
	}
	return &customer, nil
}

func (m *MemoryStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, customer := range m.Customers {
		if customer.Email == emailAddress {
			return &customer, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Customers == nil {
		m.Customers = make(map[string]models.Customer)
	}
	m.Customers[customer.ID] = *customer
	return nil
}

func (m *MemoryStorage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	product, exists := m.Products[id]
	if !exists {
		return nil, nil
	}
	return &product, nil
}

func (m *MemoryStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Products == nil {
		m.Products = make(map[string]models.Product)
	}
	m.Products[product.ID] = *product
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	license, exists := m.Licenses[id]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, license := range m.Licenses {
		if license.Key == key {
			return &license, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	return m.filterLicenses(func(l *models.License) bool { return l.CustomerID == customerID }), nil
}

func (m *MemoryStorage) FindLicensesByProduct(ctx context.Context, productID string) ([]*models.License, error) {
	return m.filterLicenses(func(l *models.License) bool { return l.ProductID == productID }), nil
}

func (m *MemoryStorage) FindActiveLicensesExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error) {
	return m.filterLicenses(func(l *models.License) bool { return isActiveBetween(l, from, to) }), nil
}

func (m *MemoryStorage) filterLicenses(match func(*models.License) bool) []*models.License {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var licenses []*models.License
	for _, license := range m.Licenses {
		licenseCopy := license
		if match(&licenseCopy) {
			licenses = append(licenses, &licenseCopy)
		}
	}
	sortLicenses(licenses)
	return licenses
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Licenses == nil {
		m.Licenses = make(map[string]models.License)
	}

	if _, exists := m.Customers[license.CustomerID]; !exists {
		return ErrCustomerNotFound
	}
	if _, exists := m.Products[license.ProductID]; !exists {
		return ErrProductNotFound
	}
	if previous, exists := m.Licenses[license.ID]; exists && previous.Key != license.Key {
		return ErrKeyImmutable
	}
	for id, existing := range m.Licenses {
		if id != license.ID && existing.Key == license.Key {
			return ErrDuplicateKey
		}
	}

	m.Licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) ExpireActiveLicensesBefore(ctx context.Context, day, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired int64
	for id, license := range m.Licenses {
		if !isActiveBefore(&license, day) {
			continue
		}
		license.State = models.StateExpired
		license.UpdatedAt = now
		m.Licenses[id] = license
		expired++
	}
	return expired, nil
}

func (m *MemoryStorage) NextSequence(ctx context.Context, code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sequences == nil {
		m.sequences = make(map[string]int64)
	}
	m.sequences[code]++
	return m.sequences[code], nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
