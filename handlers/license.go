package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"licensedesk.app/server/internal/license"
	"licensedesk.app/server/models"
)

type LicenseResponse struct {
	ID                  string    `json:"id"`
	Number              string    `json:"number"`
	Key                 string    `json:"license_key"`
	ProductID           string    `json:"product_id"`
	CustomerID          string    `json:"customer_id"`
	StartDate           string    `json:"start_date"`
	DurationMonths      int       `json:"duration_months"`
	ExpirationDate      *string   `json:"expiration_date"`
	State               string    `json:"state"`
	DateRenewed         *string   `json:"date_renewed"`
	Notes               string    `json:"notes,omitempty"`
	DaysUntilExpiration int       `json:"days_until_expiration"`
	IsExpiringSoon      bool      `json:"is_expiring_soon"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func formatDate(d *time.Time) *string {
	if d == nil {
		return nil
	}
	s := d.Format(models.DateLayout)
	return &s
}

func newLicenseResponse(l *models.License, today time.Time) LicenseResponse {
	return LicenseResponse{
		ID:                  l.ID,
		Number:              l.Number,
		Key:                 l.Key,
		ProductID:           l.ProductID,
		CustomerID:          l.CustomerID,
		StartDate:           l.StartDate.Format(models.DateLayout),
		DurationMonths:      l.DurationMonths,
		ExpirationDate:      formatDate(l.ExpirationDate),
		State:               string(l.State),
		DateRenewed:         formatDate(l.DateRenewed),
		Notes:               l.Notes,
		DaysUntilExpiration: l.DaysUntilExpiration(today),
		IsExpiringSoon:      l.IsExpiringSoon(today),
		CreatedAt:           l.CreatedAt,
		UpdatedAt:           l.UpdatedAt,
	}
}

func (s *Server) writeLicense(w http.ResponseWriter, status int, l *models.License) {
	writeJSON(w, status, newLicenseResponse(l, s.Licenses.Today()))
}

func (s *Server) writeLicenses(w http.ResponseWriter, licenses []*models.License) {
	today := s.Licenses.Today()
	out := make([]LicenseResponse, 0, len(licenses))
	for _, l := range licenses {
		out = append(out, newLicenseResponse(l, today))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"licenses": out})
}

type CreateLicenseRequest struct {
	Number         string `json:"number"`
	Key            string `json:"license_key"`
	ProductID      string `json:"product_id" validate:"required"`
	CustomerID     string `json:"customer_id" validate:"required"`
	StartDate      string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	DurationMonths *int   `json:"duration_months" validate:"omitempty,max=1200"`
	Notes          string `json:"notes"`
}

func (s *Server) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	params := license.CreateParams{
		Number:         req.Number,
		Key:            req.Key,
		ProductID:      req.ProductID,
		CustomerID:     req.CustomerID,
		DurationMonths: req.DurationMonths,
		Notes:          req.Notes,
	}
	if req.StartDate != "" {
		params.StartDate, _ = models.ParseDate(req.StartDate)
	}

	created, err := s.Licenses.Create(r.Context(), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeLicense(w, http.StatusCreated, created)
}

func (s *Server) GetLicense(w http.ResponseWriter, r *http.Request) {
	l, err := s.Licenses.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeLicense(w, http.StatusOK, l)
}

type UpdateLicenseRequest struct {
	StartDate      *string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	DurationMonths *int    `json:"duration_months" validate:"omitempty,max=1200"`
	Notes          *string `json:"notes"`
}

func (s *Server) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	var req UpdateLicenseRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	params := license.UpdateParams{
		DurationMonths: req.DurationMonths,
		Notes:          req.Notes,
	}
	if req.StartDate != nil {
		start, _ := models.ParseDate(*req.StartDate)
		params.StartDate = &start
	}

	updated, err := s.Licenses.Update(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeLicense(w, http.StatusOK, updated)
}

type licenseActionFunc func(ctx context.Context, id string) (*models.License, error)

func (s *Server) licenseAction(action licenseActionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := action(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		s.writeLicense(w, http.StatusOK, l)
	}
}

type RenewalRequest struct {
	DurationMonths int `json:"duration_months" validate:"max=1200"`
}

type RenewalResponse struct {
	LicenseID      string `json:"license_id"`
	DurationMonths int    `json:"duration_months"`
}

func (s *Server) OpenRenewal(w http.ResponseWriter, r *http.Request) {
	wizard, err := s.Licenses.OpenRenewal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RenewalResponse{
		LicenseID:      wizard.LicenseID,
		DurationMonths: wizard.DurationMonths,
	})
}

func (s *Server) ConfirmRenewal(w http.ResponseWriter, r *http.Request) {
	var req RenewalRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	renewed, err := s.Licenses.ConfirmRenewal(r.Context(), models.RenewalWizard{
		LicenseID:      chi.URLParam(r, "id"),
		DurationMonths: req.DurationMonths,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeLicense(w, http.StatusOK, renewed)
}

type LicenseRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
}

type ValidateResponse struct {
	Valid          bool    `json:"valid"`
	Message        string  `json:"message"`
	ExpirationDate *string `json:"expiration_date,omitempty"`
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	status, err := s.Licenses.CheckKey(r.Context(), req.LicenseKey)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response := ValidateResponse{Valid: status.Valid, Message: status.Message}
	if status.Valid {
		response.ExpirationDate = formatDate(status.License.ExpirationDate)
	}
	writeJSON(w, http.StatusOK, response)
}
