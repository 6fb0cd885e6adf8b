package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"licensedesk.app/server/internal/license"
	"licensedesk.app/server/internal/logger"
	"licensedesk.app/server/internal/metrics"
	"licensedesk.app/server/internal/ratelimit"
)

// JobRunner triggers the scheduled jobs on demand.
type JobRunner interface {
	RunSweepNow(ctx context.Context) (int64, error)
	RunRemindersNow(ctx context.Context) (license.ReminderResult, error)
}

type StripeOptions struct {
	WebhookSecret string
	// TestMode skips webhook signature verification.
	TestMode bool
}

type Options struct {
	Version        string
	AllowedOrigins []string
	// Limiter guards the public endpoints. Nil disables rate limiting.
	Limiter ratelimit.RateLimit
	Jobs    JobRunner
	Metrics *metrics.Registry
	// Stripe mounts the checkout webhook when set.
	Stripe *StripeOptions
}

type Server struct {
	Router   chi.Router
	Licenses *license.Service
	options  Options
	validate *validator.Validate
}

func NewHttpServer(licenses *license.Service, options Options) *Server {
	if options.Version == "" {
		options.Version = "dev"
	}

	s := &Server{
		Router:   chi.NewRouter(),
		Licenses: licenses,
		options:  options,
		validate: newValidator(),
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(options.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	if options.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", options.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", s.CreateCustomer)
			r.Get("/{id}", s.GetCustomer)
			r.Get("/{id}/licenses", s.ListCustomerLicenses)
		})

		r.Route("/products", func(r chi.Router) {
			r.Post("/", s.CreateProduct)
			r.Get("/{id}", s.GetProduct)
			r.Get("/{id}/licenses", s.ListProductLicenses)
		})

		r.Route("/licenses", func(r chi.Router) {
			r.Post("/", s.CreateLicense)
			r.With(s.rateLimited).Post("/validate", s.ValidateLicense)
			r.Get("/{id}", s.GetLicense)
			r.Patch("/{id}", s.UpdateLicense)
			r.Post("/{id}/activate", s.licenseAction(s.Licenses.Activate))
			r.Post("/{id}/suspend", s.licenseAction(s.Licenses.Suspend))
			r.Post("/{id}/cancel", s.licenseAction(s.Licenses.Cancel))
			r.Post("/{id}/draft", s.licenseAction(s.Licenses.ResetToDraft))
			r.Get("/{id}/renewal", s.OpenRenewal)
			r.Post("/{id}/renewal", s.ConfirmRenewal)
		})

		if options.Jobs != nil {
			r.Post("/jobs/expire", s.RunExpirationSweep)
			r.Post("/jobs/remind", s.RunExpirationReminders)
		}

		if options.Stripe != nil {
			r.With(s.rateLimited).Post("/webhooks/stripe", s.Stripe)
		}
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.options.Limiter == nil {
		return next
	}
	return ratelimit.Middleware(s.options.Limiter, time.Minute)(next)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("Request handled", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.options.Version,
		Timestamp: time.Now().UTC(),
	})
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest reads a JSON body into dst and runs its validate tags.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return "Invalid request"
	}

	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fe.Field()))
		case "datetime":
			messages = append(messages, fmt.Sprintf("%s must be a date in YYYY-MM-DD form", fe.Field()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "email":
			messages = append(messages, fmt.Sprintf("%s must be an email address", fe.Field()))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(messages, "; ")
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *license.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErrorResponse(w, http.StatusUnprocessableEntity, ve.Message)
	case errors.Is(err, license.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "Not found")
	default:
		logger.Error("Request failed", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"error":      err.Error(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
