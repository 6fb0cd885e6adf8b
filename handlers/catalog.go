package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"licensedesk.app/server/internal/license"
)

type CustomerResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	LicenseCount int       `json:"license_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type ProductResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsLicense    bool      `json:"is_license"`
	LicenseCount int       `json:"license_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type CreateCustomerRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	ParentID string `json:"parent_id"`
}

func (s *Server) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	customer, err := s.Licenses.CreateCustomer(r.Context(), license.CustomerParams{
		Name:     req.Name,
		Email:    req.Email,
		ParentID: req.ParentID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CustomerResponse{
		ID:        customer.ID,
		Name:      customer.Name,
		Email:     customer.Email,
		ParentID:  customer.ParentID,
		CreatedAt: customer.CreatedAt,
	})
}

func (s *Server) GetCustomer(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Licenses.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	c := summary.Customer
	writeJSON(w, http.StatusOK, CustomerResponse{
		ID:           c.ID,
		Name:         c.Name,
		Email:        c.Email,
		ParentID:     c.ParentID,
		LicenseCount: summary.LicenseCount,
		CreatedAt:    c.CreatedAt,
	})
}

func (s *Server) ListCustomerLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := s.Licenses.CustomerLicenses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeLicenses(w, licenses)
}

type CreateProductRequest struct {
	Name      string `json:"name" validate:"required"`
	IsLicense *bool  `json:"is_license"`
}

func (s *Server) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	// Products created through the licensing API are license products
	// unless the caller says otherwise.
	isLicense := true
	if req.IsLicense != nil {
		isLicense = *req.IsLicense
	}

	product, err := s.Licenses.CreateProduct(r.Context(), req.Name, isLicense)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ProductResponse{
		ID:        product.ID,
		Name:      product.Name,
		IsLicense: product.IsLicense,
		CreatedAt: product.CreatedAt,
	})
}

func (s *Server) GetProduct(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Licenses.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	p := summary.Product
	writeJSON(w, http.StatusOK, ProductResponse{
		ID:           p.ID,
		Name:         p.Name,
		IsLicense:    p.IsLicense,
		LicenseCount: summary.LicenseCount,
		CreatedAt:    p.CreatedAt,
	})
}

func (s *Server) ListProductLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := s.Licenses.ProductLicenses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeLicenses(w, licenses)
}
