package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensedesk.app/server/handlers"
	"licensedesk.app/server/internal/license"
	"licensedesk.app/server/internal/metrics"
	"licensedesk.app/server/internal/ratelimit"
	"licensedesk.app/server/internal/scheduler"
	"licensedesk.app/server/internal/testutil"
	"licensedesk.app/server/models"
	"licensedesk.app/server/storage"
)

// Integration tests that test complete workflows end-to-end

type workflow struct {
	server *handlers.Server
	store  *storage.MemoryStorage
	sent   *testutil.RecordingSender

	mu  sync.Mutex
	now time.Time
}

func newWorkflow(t testing.TB, limiter ratelimit.RateLimit) *workflow {
	t.Helper()

	wf := &workflow{
		store: testutil.TestStorage(),
		now:   testutil.Today.Add(10 * time.Hour),
	}
	if err := testutil.SetupTestData(wf.store); err != nil {
		t.Fatalf("Failed to seed storage: %v", err)
	}

	mailer, sent := testutil.NewMailer(t)
	wf.sent = sent

	registry := metrics.NewRegistry()
	svc := license.NewService(wf.store, license.Options{
		Notifier: mailer,
		Metrics:  registry,
		Now:      wf.clock,
	})
	wf.server = handlers.NewHttpServer(svc, handlers.Options{
		Version: "test",
		Limiter: limiter,
		Jobs:    scheduler.New(svc, scheduler.Options{Metrics: registry}),
		Metrics: registry,
		Stripe:  &handlers.StripeOptions{TestMode: true},
	})
	return wf
}

func (wf *workflow) clock() time.Time {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.now
}

func (wf *workflow) advance(days int) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.now = wf.now.AddDate(0, 0, days)
}

func (wf *workflow) createLicense(t *testing.T, body map[string]interface{}) handlers.LicenseResponse {
	t.Helper()

	w := testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/licenses", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created handlers.LicenseResponse
	testutil.DecodeJSON(t, w, &created)
	return created
}

func (wf *workflow) action(t *testing.T, id, action string) handlers.LicenseResponse {
	t.Helper()

	w := testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/licenses/"+id+"/"+action, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response handlers.LicenseResponse
	testutil.DecodeJSON(t, w, &response)
	return response
}

func TestFullWorkflow_StripeWebhookToLicenseValidation(t *testing.T) {
	wf := newWorkflow(t, nil)

	// Step 1: Stripe checkout issues a license
	session := testutil.CreateMockCheckoutSession("customer@example.com", "cs_test123", "prod_test")
	w := testutil.MakeStripeWebhookRequest(t, wf.server,
		testutil.CreateStripeWebhookPayload("checkout.session.completed", session))
	if w.Code != http.StatusOK {
		t.Fatalf("Webhook failed with status %d: %s", w.Code, w.Body.String())
	}

	customer, err := wf.store.FindCustomerByEmailAddress(context.Background(), "customer@example.com")
	require.NoError(t, err)
	require.NotNil(t, customer, "webhook should create the customer")

	licenses, err := wf.store.FindLicensesByCustomer(context.Background(), customer.ID)
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	issued := licenses[0]

	assert.Equal(t, "LIC00001", issued.Number)
	assert.Equal(t, models.StateActive, issued.State)
	require.NotNil(t, issued.ExpirationDate)
	assert.Equal(t, "2025-06-10", issued.ExpirationDate.Format(models.DateLayout))

	// Step 2: the key is emailed to the buyer
	require.Len(t, wf.sent.Sent, 1)
	assert.Equal(t, "customer@example.com", wf.sent.Sent[0].To)
	assert.Contains(t, wf.sent.Sent[0].Body, issued.Key)

	// Step 3: the key validates
	w = testutil.MakeValidateRequest(t, wf.server, issued.Key)
	testutil.AssertValidateResponse(t, w, true, "License valid")

	// Step 4: a week before expiry the reminder goes out
	wf.advance(354)
	w = testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/jobs/remind", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reminders handlers.ReminderResponse
	testutil.DecodeJSON(t, w, &reminders)
	assert.Equal(t, 1, reminders.Sent)
	assert.Equal(t, "customer@example.com", wf.sent.Sent[1].To)
	assert.Contains(t, wf.sent.Sent[1].Body, "(in 6 days)")
}

func TestWorkflow_CreateActivateAndExpire(t *testing.T) {
	wf := newWorkflow(t, nil)

	created := wf.createLicense(t, map[string]interface{}{
		"product_id":      "prod_test",
		"customer_id":     "customer1",
		"duration_months": 1,
	})
	require.NotNil(t, created.ExpirationDate)
	assert.Equal(t, "2024-07-15", *created.ExpirationDate)

	// Draft licenses do not validate
	w := testutil.MakeValidateRequest(t, wf.server, created.Key)
	testutil.AssertValidateResponse(t, w, false, "License not active")

	wf.action(t, created.ID, "activate")
	w = testutil.MakeValidateRequest(t, wf.server, created.Key)
	testutil.AssertValidateResponse(t, w, true, "License valid")

	// On the expiration day the license is still good
	wf.advance(30)
	w = testutil.MakeValidateRequest(t, wf.server, created.Key)
	testutil.AssertValidateResponse(t, w, true, "License valid")

	// The day after, validation fails before the sweep has run
	wf.advance(1)
	w = testutil.MakeValidateRequest(t, wf.server, created.Key)
	testutil.AssertValidateResponse(t, w, false, "License has expired")

	w = testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/jobs/expire", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sweep handlers.SweepResponse
	testutil.DecodeJSON(t, w, &sweep)
	// license2 and license4 lapsed in the meantime too
	assert.Equal(t, int64(3), sweep.Expired)

	stored, err := wf.store.GetLicense(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, stored.State)

	w = testutil.MakeValidateRequest(t, wf.server, created.Key)
	testutil.AssertValidateResponse(t, w, false, "License not active")
}

func TestWorkflow_RenewExpiredLicense(t *testing.T) {
	wf := newWorkflow(t, nil)

	created := wf.createLicense(t, map[string]interface{}{
		"product_id":      "prod_test",
		"customer_id":     "customer2",
		"start_date":      "2024-01-01",
		"duration_months": 3,
	})
	assert.Equal(t, "2024-03-31", *created.ExpirationDate)
	wf.action(t, created.ID, "activate")

	// Already past its expiration on the fixture day
	w := testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/jobs/expire", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/licenses/"+created.ID+"/renewal",
		handlers.RenewalRequest{DurationMonths: 12})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var renewed handlers.LicenseResponse
	testutil.DecodeJSON(t, w, &renewed)
	assert.Equal(t, "2025-03-27", *renewed.ExpirationDate)
	assert.Equal(t, "2024-06-15", *renewed.DateRenewed)
	assert.Equal(t, "expired", renewed.State, "renewal does not change state")

	reactivated := wf.action(t, created.ID, "activate")
	assert.Equal(t, "active", reactivated.State)

	w = testutil.MakeValidateRequest(t, wf.server, created.Key)
	testutil.AssertValidateResponse(t, w, true, "License valid")
}

func TestWorkflow_MultipleCustomersAndLicenses(t *testing.T) {
	wf := newWorkflow(t, nil)

	customers := []string{"alice@example.com", "bob@example.com", "charlie@example.com"}
	for i, customerEmail := range customers {
		session := testutil.CreateMockCheckoutSession(customerEmail, fmt.Sprintf("cs_test_%d", i), "prod_test")
		w := testutil.MakeStripeWebhookRequest(t, wf.server,
			testutil.CreateStripeWebhookPayload("checkout.session.completed", session))
		if w.Code != http.StatusOK {
			t.Fatalf("Webhook for %s failed with status %d", customerEmail, w.Code)
		}
	}

	if len(wf.store.Customers) != 6 {
		t.Errorf("Expected 6 customers, got %d", len(wf.store.Customers))
	}

	numbers := make(map[string]bool)
	keys := make(map[string]bool)
	for _, customerEmail := range customers {
		customer, err := wf.store.FindCustomerByEmailAddress(context.Background(), customerEmail)
		require.NoError(t, err)
		require.NotNil(t, customer, customerEmail)

		licenses, err := wf.store.FindLicensesByCustomer(context.Background(), customer.ID)
		require.NoError(t, err)
		require.Len(t, licenses, 1, customerEmail)

		numbers[licenses[0].Number] = true
		keys[licenses[0].Key] = true

		w := testutil.MakeValidateRequest(t, wf.server, licenses[0].Key)
		testutil.AssertValidateResponse(t, w, true, "License valid")
	}

	assert.Equal(t, map[string]bool{"LIC00001": true, "LIC00002": true, "LIC00003": true}, numbers)
	assert.Len(t, keys, 3, "keys are unique")
}

func TestWorkflow_SuspendedLicense(t *testing.T) {
	wf := newWorkflow(t, nil)

	w := testutil.MakeValidateRequest(t, wf.server, "ACTV-0001-AAAA-BBBB")
	testutil.AssertValidateResponse(t, w, true, "License valid")

	wf.action(t, "license1", "suspend")
	w = testutil.MakeValidateRequest(t, wf.server, "ACTV-0001-AAAA-BBBB")
	testutil.AssertValidateResponse(t, w, false, "License not active")

	// Suspended licenses are left alone by the sweep and the reminders
	wf.advance(91)
	w = testutil.DoJSON(t, wf.server, http.MethodPost, "/api/v1/jobs/expire", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := wf.store.GetLicense(context.Background(), "license1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSuspended, stored.State)

	wf.action(t, "license1", "activate")
	w = testutil.MakeValidateRequest(t, wf.server, "ACTV-0001-AAAA-BBBB")
	testutil.AssertValidateResponse(t, w, false, "License has expired")
}

func TestWorkflow_ErrorHandling(t *testing.T) {
	wf := newWorkflow(t, nil)

	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "validate without a key",
			method:         http.MethodPost,
			path:           "/api/v1/licenses/validate",
			body:           map[string]string{},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "license_key is required",
		},
		{
			name:           "unknown license",
			method:         http.MethodGet,
			path:           "/api/v1/licenses/nope",
			expectedStatus: http.StatusNotFound,
			expectedError:  "Not found",
		},
		{
			name:           "unknown product",
			method:         http.MethodPost,
			path:           "/api/v1/licenses",
			body:           map[string]string{"product_id": "nope", "customer_id": "customer1"},
			expectedStatus: http.StatusNotFound,
			expectedError:  "Not found",
		},
		{
			name:           "renewal with no duration",
			method:         http.MethodPost,
			path:           "/api/v1/licenses/license1/renewal",
			body:           handlers.RenewalRequest{},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedError:  "Duration must be greater than 0.",
		},
		{
			name:           "customer with a bad email",
			method:         http.MethodPost,
			path:           "/api/v1/customers",
			body:           map[string]string{"name": "X", "email": "x"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "email must be an email address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.DoJSON(t, wf.server, tt.method, tt.path, tt.body)
			testutil.AssertErrorResponse(t, w, tt.expectedStatus, tt.expectedError)
		})
	}

	w := testutil.MakeStripeWebhookRequest(t, wf.server, []byte("invalid json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for invalid webhook, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestWorkflow_HealthCheck(t *testing.T) {
	wf := newWorkflow(t, nil)

	w := testutil.DoJSON(t, wf.server, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Health check failed with status %d", w.Code)
	}

	var response handlers.HealthResponse
	testutil.DecodeJSON(t, w, &response)
	if response.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", response.Status)
	}
	if response.Version != "test" {
		t.Errorf("Expected version 'test', got '%s'", response.Version)
	}
}

func TestWorkflow_RateLimiting(t *testing.T) {
	wf := newWorkflow(t, ratelimit.New(5, time.Minute))

	limited := 0
	for i := 0; i < 10; i++ {
		w := testutil.MakeValidateRequest(t, wf.server, "ACTV-0001-AAAA-BBBB")
		switch w.Code {
		case http.StatusOK:
		case http.StatusTooManyRequests:
			limited++
			if w.Header().Get("Retry-After") == "" {
				t.Errorf("Expected Retry-After header on limited response")
			}
		default:
			t.Fatalf("Unexpected status %d", w.Code)
		}
	}

	if limited != 5 {
		t.Errorf("Expected 5 limited requests, got %d", limited)
	}
}

func TestWorkflow_ConcurrentRequests(t *testing.T) {
	wf := newWorkflow(t, nil)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan int, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			session := testutil.CreateMockCheckoutSession(fmt.Sprintf("buyer%d@example.com", i), fmt.Sprintf("cs_conc_%d", i), "prod_test")
			w := testutil.MakeStripeWebhookRequest(t, wf.server,
				testutil.CreateStripeWebhookPayload("checkout.session.completed", session))
			results <- w.Code

			w = testutil.MakeValidateRequest(t, wf.server, "ACTV-0001-AAAA-BBBB")
			results <- w.Code
		}(i)
	}

	wg.Wait()
	close(results)

	for code := range results {
		if code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", code)
		}
	}

	numbers := make(map[string]bool)
	for _, l := range wf.store.Licenses {
		numbers[l.Number] = true
	}
	// 4 fixtures plus one per checkout, all distinct
	assert.Len(t, numbers, 4+workers)
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands_SweepAndRemind(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "bolt")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "licenses.db"))
	t.Setenv("EMAIL_SERVICE", "log")
	t.Setenv("SENTRY_DSN", "")

	out, err := runCommand(t, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Expired 0 license(s)\n", out)

	out, err = runCommand(t, "remind")
	require.NoError(t, err)
	assert.Equal(t, "Reminders sent: 0, skipped: 0, failed: 0\n", out)
}

func TestCommands_InvalidConfig(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")

	_, err := runCommand(t, "sweep")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "STORAGE_DRIVER"), err.Error())
}

func BenchmarkFullWorkflow_StripeToValidation(b *testing.B) {
	wf := newWorkflow(b, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		session := testutil.CreateMockCheckoutSession(fmt.Sprintf("bench%d@example.com", i), fmt.Sprintf("cs_bench_%d", i), "prod_test")
		w := testutil.MakeStripeWebhookRequest(b, wf.server,
			testutil.CreateStripeWebhookPayload("checkout.session.completed", session))
		if w.Code != http.StatusOK {
			b.Fatalf("Webhook failed with status %d", w.Code)
		}

		w = testutil.MakeValidateRequest(b, wf.server, "ACTV-0001-AAAA-BBBB")
		if w.Code != http.StatusOK {
			b.Fatalf("Validation failed with status %d", w.Code)
		}
	}
}
