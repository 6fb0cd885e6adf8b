// Package metrics exposes Prometheus counters for license lifecycle events
// and the scheduled jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry *prometheus.Registry

	LicensesCreated    prometheus.Counter
	StateTransitions   *prometheus.CounterVec
	Renewals           prometheus.Counter
	LicensesExpired    prometheus.Counter
	RemindersProcessed *prometheus.CounterVec
	JobRuns            *prometheus.CounterVec
	KeyValidations     *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{registry: reg}
	factory := promauto.With(reg)

	r.LicensesCreated = factory.NewCounter(prometheus.CounterOpts{
		Name: "licensedesk_licenses_created_total",
		Help: "Total number of licenses created",
	})

	r.StateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "licensedesk_license_state_transitions_total",
		Help: "License state changes by target state",
	}, []string{"state"})

	r.Renewals = factory.NewCounter(prometheus.CounterOpts{
		Name: "licensedesk_license_renewals_total",
		Help: "Total number of confirmed license renewals",
	})

	r.LicensesExpired = factory.NewCounter(prometheus.CounterOpts{
		Name: "licensedesk_licenses_expired_total",
		Help: "Licenses moved to expired by the expiration sweep",
	})

	r.RemindersProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "licensedesk_expiration_reminders_total",
		Help: "Expiration reminders by outcome (sent, skipped, failed)",
	}, []string{"result"})

	r.JobRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "licensedesk_job_runs_total",
		Help: "Scheduled job runs by job and outcome",
	}, []string{"job", "result"})

	r.KeyValidations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "licensedesk_key_validations_total",
		Help: "License key validation requests by outcome",
	}, []string{"valid"})

	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// The recorders below are safe to call on a nil *Registry so callers that run
// without metrics need no guards.

func (r *Registry) RecordLicenseCreated() {
	if r == nil {
		return
	}
	r.LicensesCreated.Inc()
}

func (r *Registry) RecordTransition(state string) {
	if r == nil {
		return
	}
	r.StateTransitions.WithLabelValues(state).Inc()
}

func (r *Registry) RecordRenewal() {
	if r == nil {
		return
	}
	r.Renewals.Inc()
}

func (r *Registry) RecordExpired(n int64) {
	if r == nil {
		return
	}
	r.LicensesExpired.Add(float64(n))
}

func (r *Registry) RecordReminders(sent, skipped, failed int) {
	if r == nil {
		return
	}
	r.RemindersProcessed.WithLabelValues("sent").Add(float64(sent))
	r.RemindersProcessed.WithLabelValues("skipped").Add(float64(skipped))
	r.RemindersProcessed.WithLabelValues("failed").Add(float64(failed))
}

func (r *Registry) RecordJobRun(job string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.JobRuns.WithLabelValues(job, result).Inc()
}

func (r *Registry) RecordKeyValidation(valid bool) {
	if r == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	r.KeyValidations.WithLabelValues(label).Inc()
}
