package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	r := NewRegistry()

	r.RecordLicenseCreated()
	r.RecordLicenseCreated()
	r.RecordTransition("active")
	r.RecordRenewal()
	r.RecordExpired(3)
	r.RecordReminders(2, 1, 0)
	r.RecordJobRun("sweep", nil)
	r.RecordJobRun("sweep", errors.New("boom"))
	r.RecordKeyValidation(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.LicensesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StateTransitions.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Renewals))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.LicensesExpired))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.RemindersProcessed.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RemindersProcessed.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.JobRuns.WithLabelValues("sweep", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.JobRuns.WithLabelValues("sweep", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.KeyValidations.WithLabelValues("true")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry

	assert.NotPanics(t, func() {
		r.RecordLicenseCreated()
		r.RecordTransition("draft")
		r.RecordRenewal()
		r.RecordExpired(1)
		r.RecordReminders(1, 1, 1)
		r.RecordJobRun("remind", nil)
		r.RecordKeyValidation(false)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordLicenseCreated()

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "licensedesk_licenses_created_total 1")
}
