package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"licensedesk.app/server/internal/license"
	"licensedesk.app/server/internal/logger"
)

const maxWebhookBodyBytes = int64(65536)

// errNotLicensable marks checkout sessions that carry no license metadata.
var errNotLicensable = errors.New("checkout session has no product_id metadata")

func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event := stripe.Event{}
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("Failed to parse webhook JSON", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.options.Stripe.TestMode {
		logger.Debug("Skipping webhook signature verification (test mode)")
	} else {
		signatureHeader := r.Header.Get("Stripe-Signature")
		event, err = webhook.ConstructEventWithOptions(payload, signatureHeader, s.options.Stripe.WebhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			logger.Error("Webhook signature verification failed", map[string]interface{}{
				"error": err.Error(),
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	logger.Info("Stripe event parsed", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	switch event.Type {
	case "checkout.session.completed":
		var checkoutSession stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err := s.handleCheckoutComplete(ctx, &checkoutSession)
		switch {
		case errors.Is(err, errNotLicensable):
			logger.Info("Checkout session carries no license", map[string]interface{}{
				"session_id": checkoutSession.ID,
			})
		case license.IsValidation(err), errors.Is(err, license.ErrNotFound):
			// Retrying will not fix bad metadata, so acknowledge the event.
			logger.Error("Checkout session rejected", map[string]interface{}{
				"error":      err.Error(),
				"session_id": checkoutSession.ID,
			})
		case err != nil:
			logger.Error("Failed to handle checkout completion", map[string]interface{}{
				"error":      err.Error(),
				"session_id": checkoutSession.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// handleCheckoutComplete issues a license for the product named in the
// session metadata to the paying customer.
func (s *Server) handleCheckoutComplete(ctx context.Context, session *stripe.CheckoutSession) error {
	productID := session.Metadata["product_id"]
	if productID == "" {
		return errNotLicensable
	}

	var customerEmail, customerName string
	if session.CustomerDetails != nil {
		customerEmail = session.CustomerDetails.Email
		customerName = session.CustomerDetails.Name
	}
	if customerEmail == "" {
		customerEmail = session.CustomerEmail
	}
	if customerEmail == "" {
		return &license.ValidationError{Message: fmt.Sprintf("checkout session %s has no customer email", session.ID)}
	}

	params := license.CreateParams{
		ProductID: productID,
		Notes:     "Stripe checkout " + session.ID,
	}
	if raw := session.Metadata["duration_months"]; raw != "" {
		months, err := strconv.Atoi(raw)
		if err != nil {
			return &license.ValidationError{Message: fmt.Sprintf("duration_months %q is not a number", raw)}
		}
		params.DurationMonths = &months
	}

	var stripeCustomerID string
	if session.Customer != nil {
		stripeCustomerID = session.Customer.ID
	}

	customer, err := s.Licenses.FindOrCreateCustomer(ctx, license.CustomerParams{
		Name:             customerName,
		Email:            customerEmail,
		StripeCustomerID: stripeCustomerID,
	})
	if err != nil {
		return fmt.Errorf("failed to find/create customer: %w", err)
	}
	params.CustomerID = customer.ID

	issued, err := s.Licenses.Issue(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to issue license: %w", err)
	}

	logger.Info("License issued from checkout", map[string]interface{}{
		"license_id":  issued.ID,
		"number":      issued.Number,
		"customer_id": customer.ID,
		"session_id":  session.ID,
		"state":       string(issued.State),
	})
	return nil
}
