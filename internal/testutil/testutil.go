package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"licensedesk.app/server/internal/email"
	"licensedesk.app/server/models"
	"licensedesk.app/server/storage"
)

// Today is the fixed calendar day test fixtures are built around.
var Today = time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

// Clock returns a constant time on Today for injecting into services.
func Clock() func() time.Time {
	now := Today.Add(10 * time.Hour)
	return func() time.Time { return now }
}

// TestStorage creates an empty memory storage
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// Date parses a YYYY-MM-DD string or fails the test
func Date(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	if err != nil {
		t.Fatalf("Invalid date %q: %v", s, err)
	}
	return d
}

// CreateTestCustomer creates a test customer with given parameters
func CreateTestCustomer(id, email string) models.Customer {
	return models.Customer{
		ID:               id,
		Name:             "Customer " + id,
		Email:            email,
		StripeCustomerID: "cus_" + id,
		CreatedAt:        Today,
		UpdatedAt:        Today,
	}
}

// CreateTestLicense creates a test license with given parameters
func CreateTestLicense(id, key, customerID string, state models.State, expiration time.Time) models.License {
	return models.License{
		ID:             id,
		Number:         "LIC-" + id,
		Key:            key,
		CustomerID:     customerID,
		ProductID:      "prod_test",
		StartDate:      expiration.AddDate(0, 0, -360),
		DurationMonths: 12,
		ExpirationDate: &expiration,
		State:          state,
		CreatedAt:      Today,
		UpdatedAt:      Today,
	}
}

// SetupTestData seeds three customers, one license product and a license per
// state the validation endpoint distinguishes.
func SetupTestData(store storage.Storage) error {
	ctx := context.Background()

	customers := []models.Customer{
		CreateTestCustomer("customer1", "customer1@example.com"),
		CreateTestCustomer("customer2", "customer2@example.com"),
		CreateTestCustomer("customer3", "customer3@example.com"),
	}
	for _, customer := range customers {
		if err := store.SaveCustomer(ctx, &customer); err != nil {
			return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
		}
	}

	product := models.Product{ID: "prod_test", Name: "Test Product", IsLicense: true, CreatedAt: Today, UpdatedAt: Today}
	if err := store.SaveProduct(ctx, &product); err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}

	licenses := []models.License{
		CreateTestLicense("license1", "ACTV-0001-AAAA-BBBB", "customer1", models.StateActive, Today.AddDate(0, 0, 90)),
		CreateTestLicense("license2", "ACTV-0002-AAAA-BBBB", "customer2", models.StateActive, Today.AddDate(0, 0, 3)),
		CreateTestLicense("license3", "SUSP-0001-AAAA-BBBB", "customer3", models.StateSuspended, Today.AddDate(0, 0, 90)),
		CreateTestLicense("license4", "LAPS-0001-AAAA-BBBB", "customer3", models.StateActive, Today.AddDate(0, 0, -1)),
	}
	for _, license := range licenses {
		if err := store.SaveLicense(ctx, &license); err != nil {
			return fmt.Errorf("failed to save license %s: %w", license.ID, err)
		}
	}

	return nil
}

// SentEmail is one message captured by RecordingSender
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// RecordingSender is an email.Sender that keeps messages in memory
type RecordingSender struct {
	mu   sync.Mutex
	Sent []SentEmail
	Err  error
}

var _ email.Sender = (*RecordingSender)(nil)

func (r *RecordingSender) Send(ctx context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	r.Sent = append(r.Sent, SentEmail{To: to, Subject: subject, Body: body})
	return nil
}

// NewMailer wraps a RecordingSender in the real template mailer
func NewMailer(t testing.TB) (*email.Mailer, *RecordingSender) {
	t.Helper()
	sender := &RecordingSender{}
	mailer, err := email.NewMailer(sender, "Test Team")
	if err != nil {
		t.Fatalf("Failed to create mailer: %v", err)
	}
	return mailer, sender
}

// DoJSON sends a request with an optional JSON body to handler
func DoJSON(t testing.TB, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// DecodeJSON decodes a response body or fails the test
func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// MakeValidateRequest creates and sends a license validation request
func MakeValidateRequest(t testing.TB, handler http.Handler, licenseKey string) *httptest.ResponseRecorder {
	return DoJSON(t, handler, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"license_key": licenseKey,
	})
}

// AssertValidateResponse checks if the validation response matches expected values
func AssertValidateResponse(t testing.TB, w *httptest.ResponseRecorder, expectedValid bool, expectedMessage string) {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	DecodeJSON(t, w, &response)

	if response.Valid != expectedValid {
		t.Errorf("Expected valid=%v, got %v", expectedValid, response.Valid)
	}
	if response.Message != expectedMessage {
		t.Errorf("Expected message '%s', got '%s'", expectedMessage, response.Message)
	}
}

// AssertErrorResponse checks if the error response matches expected values
func AssertErrorResponse(t testing.TB, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()

	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d", expectedStatus, w.Code)
	}

	var response map[string]string
	DecodeJSON(t, w, &response)

	if response["error"] != expectedError {
		t.Errorf("Expected error '%s', got '%s'", expectedError, response["error"])
	}
}

// CreateStripeWebhookPayload creates a mock Stripe webhook payload
func CreateStripeWebhookPayload(eventType string, sessionData map[string]interface{}) []byte {
	event := map[string]interface{}{
		"id":   "evt_test123",
		"type": eventType,
		"data": map[string]interface{}{
			"object": sessionData,
		},
	}
	payload, _ := json.Marshal(event)
	return payload
}

// CreateMockCheckoutSession creates a mock Stripe checkout session for a
// license product
func CreateMockCheckoutSession(customerEmail, sessionID, productID string) map[string]interface{} {
	return map[string]interface{}{
		"id":             sessionID,
		"customer_email": customerEmail,
		"amount_total":   2999,
		"currency":       "usd",
		"payment_status": "paid",
		"customer": map[string]interface{}{
			"id": "cus_" + sessionID,
		},
		"metadata": map[string]interface{}{
			"product_id": productID,
		},
	}
}

// MakeStripeWebhookRequest creates and sends a Stripe webhook request
func MakeStripeWebhookRequest(t testing.TB, handler http.Handler, payload []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "test-signature")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}
