package license

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"licensedesk.app/server/internal/logger"
	"licensedesk.app/server/models"
)

type CustomerParams struct {
	Name             string
	Email            string
	ParentID         string
	StripeCustomerID string
}

type CustomerSummary struct {
	Customer     *models.Customer
	LicenseCount int
}

type ProductSummary struct {
	Product      *models.Product
	LicenseCount int
}

func (s *Service) CreateCustomer(ctx context.Context, params CustomerParams) (*models.Customer, error) {
	if params.ParentID != "" {
		parent, err := s.store.GetCustomer(ctx, params.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent contact: %w", err)
		}
		if parent == nil {
			return nil, fmt.Errorf("parent contact %s: %w", params.ParentID, ErrNotFound)
		}
	}

	now := s.options.Now()
	customer := &models.Customer{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		Name:             params.Name,
		Email:            params.Email,
		ParentID:         params.ParentID,
		StripeCustomerID: params.StripeCustomerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("failed to save customer: %w", err)
	}

	logger.Info("Customer created", map[string]interface{}{
		"customer_id":    customer.ID,
		"customer_email": customer.Email,
	})
	return customer, nil
}

// FindOrCreateCustomer returns the customer registered under params.Email,
// creating one when there is none.
func (s *Service) FindOrCreateCustomer(ctx context.Context, params CustomerParams) (*models.Customer, error) {
	customer, err := s.store.FindCustomerByEmailAddress(ctx, params.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up customer: %w", err)
	}
	if customer != nil {
		logger.Info("Existing customer found", map[string]interface{}{
			"customer_id":    customer.ID,
			"customer_email": customer.Email,
		})
		return customer, nil
	}
	return s.CreateCustomer(ctx, params)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*CustomerSummary, error) {
	customer, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	if customer == nil {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}

	licenses, err := s.store.FindLicensesByCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count licenses: %w", err)
	}
	return &CustomerSummary{Customer: customer, LicenseCount: len(licenses)}, nil
}

func (s *Service) CustomerLicenses(ctx context.Context, id string) ([]*models.License, error) {
	if _, err := s.GetCustomer(ctx, id); err != nil {
		return nil, err
	}
	licenses, err := s.store.FindLicensesByCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return licenses, nil
}

func (s *Service) CreateProduct(ctx context.Context, name string, isLicense bool) (*models.Product, error) {
	now := s.options.Now()
	product := &models.Product{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		Name:      name,
		IsLicense: isLicense,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to save product: %w", err)
	}

	logger.Info("Product created", map[string]interface{}{
		"product_id": product.ID,
		"name":       product.Name,
		"is_license": product.IsLicense,
	})
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (*ProductSummary, error) {
	product, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}

	licenses, err := s.store.FindLicensesByProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count licenses: %w", err)
	}
	return &ProductSummary{Product: product, LicenseCount: len(licenses)}, nil
}

func (s *Service) ProductLicenses(ctx context.Context, id string) ([]*models.License, error) {
	if _, err := s.GetProduct(ctx, id); err != nil {
		return nil, err
	}
	licenses, err := s.store.FindLicensesByProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return licenses, nil
}
