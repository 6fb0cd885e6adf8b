package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"licensedesk.app/server/internal/email"
	"licensedesk.app/server/internal/logger"
	"licensedesk.app/server/internal/metrics"
	"licensedesk.app/server/models"
	"licensedesk.app/server/storage"
)

const (
	licenseSequenceCode = "license.license"

	DefaultSequencePrefix     = "LIC"
	DefaultSequencePadding    = 5
	DefaultReminderWindowDays = models.ExpiringSoonDays
)

// Notifier delivers the emails the license lifecycle produces.
type Notifier interface {
	SendExpirationReminder(ctx context.Context, to string, data email.ExpirationReminder) error
	SendLicenseKey(ctx context.Context, to string, data email.LicenseIssued) error
}

type Options struct {
	SequencePrefix     string
	SequencePadding    int
	ReminderWindowDays int
	// Notifier may be nil, in which case no emails are sent.
	Notifier Notifier
	Metrics  *metrics.Registry
	Now      func() time.Time
}

type Service struct {
	store   storage.Storage
	keys    *KeyGenerator
	options Options
}

func NewService(store storage.Storage, options Options) *Service {
	if options.SequencePrefix == "" {
		options.SequencePrefix = DefaultSequencePrefix
	}
	if options.SequencePadding <= 0 {
		options.SequencePadding = DefaultSequencePadding
	}
	if options.ReminderWindowDays <= 0 {
		options.ReminderWindowDays = DefaultReminderWindowDays
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	s := &Service{store: store, options: options}
	s.keys = NewKeyGenerator(s.keyExists)
	return s
}

func (s *Service) today() time.Time {
	return models.Date(s.options.Now())
}

// Today is the service's current calendar day in UTC.
func (s *Service) Today() time.Time {
	return s.today()
}

func (s *Service) keyExists(ctx context.Context, key string) (bool, error) {
	license, err := s.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return false, err
	}
	return license != nil, nil
}

type CreateParams struct {
	Number     string
	Key        string
	ProductID  string
	CustomerID string
	// StartDate defaults to today when zero.
	StartDate time.Time
	// DurationMonths defaults to 12 when nil.
	DurationMonths *int
	Notes          string
}

// Create stores a new draft license with a sequence number and a freshly
// generated key.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.License, error) {
	product, err := s.store.GetProduct(ctx, params.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, fmt.Errorf("product %s: %w", params.ProductID, ErrNotFound)
	}
	if !product.IsLicense {
		return nil, validationError(fmt.Sprintf("Product %q is not a license product.", product.Name))
	}

	customer, err := s.store.GetCustomer(ctx, params.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	if customer == nil {
		return nil, fmt.Errorf("customer %s: %w", params.CustomerID, ErrNotFound)
	}

	number := params.Number
	if number == "" || number == models.NewLicenseNumber {
		number, err = s.nextNumber(ctx)
		if err != nil {
			return nil, err
		}
	}

	key := params.Key
	if key == "" {
		key, err = s.keys.Generate(ctx)
		if err != nil {
			return nil, err
		}
	} else if !KeyPattern.MatchString(key) {
		return nil, validationError("License key must have the form XXXX-XXXX-XXXX-XXXX.")
	}

	startDate := params.StartDate
	if startDate.IsZero() {
		startDate = s.today()
	}
	duration := models.DefaultDurationMonths
	if params.DurationMonths != nil {
		duration = *params.DurationMonths
	}

	now := s.options.Now()
	license := &models.License{
		ID:             uuid.Must(uuid.NewRandom()).String(),
		Number:         number,
		Key:            key,
		ProductID:      product.ID,
		CustomerID:     customer.ID,
		StartDate:      models.Date(startDate),
		DurationMonths: duration,
		State:          models.StateDraft,
		Notes:          params.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	license.RecomputeExpiration()
	if err := checkTerm(license); err != nil {
		return nil, err
	}

	if err := s.save(ctx, license); err != nil {
		return nil, err
	}

	s.options.Metrics.RecordLicenseCreated()
	logger.Info("License created", map[string]interface{}{
		"license_id":  license.ID,
		"number":      license.Number,
		"license_key": license.Key,
		"customer_id": license.CustomerID,
		"product_id":  license.ProductID,
	})
	return license, nil
}

var (
	errExpirationBeforeStart = validationError("Expiration date must be after start date.")
	errDurationOutOfRange    = validationError(fmt.Sprintf("Duration must not exceed %d months.", models.MaxDurationMonths))
	errDateOutOfRange        = validationError(fmt.Sprintf("Dates must fall before the year %d.", models.MaxYear+1))
)

// checkTerm validates the start, duration and expiration of a license before
// it is stored.
func checkTerm(license *models.License) error {
	if !models.DurationInRange(license.DurationMonths) {
		return errDurationOutOfRange
	}
	if !models.DateInRange(license.StartDate) {
		return errDateOutOfRange
	}
	if license.ExpirationDate != nil && !models.DateInRange(*license.ExpirationDate) {
		return errDateOutOfRange
	}
	if !license.DatesValid() {
		return errExpirationBeforeStart
	}
	return nil
}

func (s *Service) nextNumber(ctx context.Context) (string, error) {
	next, err := s.store.NextSequence(ctx, licenseSequenceCode)
	if err != nil {
		return "", fmt.Errorf("failed to allocate license number: %w", err)
	}
	return fmt.Sprintf("%s%0*d", s.options.SequencePrefix, s.options.SequencePadding, next), nil
}

func (s *Service) save(ctx context.Context, license *models.License) error {
	err := s.store.SaveLicense(ctx, license)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return validationError("License key already exists.")
	}
	if err != nil {
		return fmt.Errorf("failed to save license: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.License, error) {
	license, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load license: %w", err)
	}
	if license == nil {
		return nil, fmt.Errorf("license %s: %w", id, ErrNotFound)
	}
	return license, nil
}

type UpdateParams struct {
	StartDate      *time.Time
	DurationMonths *int
	Notes          *string
}

// Update edits the license term. A changed start date or duration recomputes
// the expiration unless the license has been renewed.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*models.License, error) {
	license, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	termChanged := false
	if params.StartDate != nil {
		license.StartDate = models.Date(*params.StartDate)
		termChanged = true
	}
	if params.DurationMonths != nil {
		license.DurationMonths = *params.DurationMonths
		termChanged = true
	}
	if params.Notes != nil {
		license.Notes = *params.Notes
	}

	if termChanged {
		license.RecomputeExpiration()
	}
	if err := checkTerm(license); err != nil {
		return nil, err
	}

	license.UpdatedAt = s.options.Now()
	if err := s.save(ctx, license); err != nil {
		return nil, err
	}
	return license, nil
}

func (s *Service) Activate(ctx context.Context, id string) (*models.License, error) {
	return s.transition(ctx, id, models.StateActive)
}

func (s *Service) Suspend(ctx context.Context, id string) (*models.License, error) {
	return s.transition(ctx, id, models.StateSuspended)
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.License, error) {
	return s.transition(ctx, id, models.StateCanceled)
}

func (s *Service) ResetToDraft(ctx context.Context, id string) (*models.License, error) {
	return s.transition(ctx, id, models.StateDraft)
}

// transition accepts any source state.
func (s *Service) transition(ctx context.Context, id string, state models.State) (*models.License, error) {
	license, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := license.State
	license.State = state
	license.UpdatedAt = s.options.Now()
	if err := s.save(ctx, license); err != nil {
		return nil, err
	}

	s.options.Metrics.RecordTransition(string(state))
	logger.Info("License state changed", map[string]interface{}{
		"license_id": license.ID,
		"number":     license.Number,
		"from":       previous,
		"to":         state,
	})
	return license, nil
}

// OpenRenewal returns a wizard prefilled with the license's duration.
func (s *Service) OpenRenewal(ctx context.Context, id string) (*models.RenewalWizard, error) {
	license, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.NewRenewalWizard(license), nil
}

// ConfirmRenewal extends the license from the day after its current
// expiration and stamps the renewal date. The state is left as is.
func (s *Service) ConfirmRenewal(ctx context.Context, wizard models.RenewalWizard) (*models.License, error) {
	if wizard.DurationMonths <= 0 {
		return nil, validationError("Duration must be greater than 0.")
	}
	if wizard.DurationMonths > models.MaxDurationMonths {
		return nil, errDurationOutOfRange
	}

	license, err := s.Get(ctx, wizard.LicenseID)
	if err != nil {
		return nil, err
	}
	if license.ExpirationDate == nil {
		return nil, validationError("License has no expiration date to renew from.")
	}

	renewed := license.RenewedExpiration(wizard.DurationMonths)
	if !models.DateInRange(*renewed) {
		return nil, errDateOutOfRange
	}

	previous := *license.ExpirationDate
	today := s.today()
	license.ExpirationDate = renewed
	license.DateRenewed = &today
	license.DurationMonths = wizard.DurationMonths
	license.UpdatedAt = s.options.Now()

	if err := s.save(ctx, license); err != nil {
		return nil, err
	}

	s.options.Metrics.RecordRenewal()
	logger.Info("License renewed", map[string]interface{}{
		"license_id":          license.ID,
		"number":              license.Number,
		"previous_expiration": previous.Format(models.DateLayout),
		"expiration":          license.ExpirationDate.Format(models.DateLayout),
		"duration_months":     wizard.DurationMonths,
	})
	return license, nil
}

// ExpireOverdue moves active licenses whose expiration is before today to
// expired and reports how many changed. Running it twice is harmless.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	count, err := s.store.ExpireActiveLicensesBefore(ctx, s.today(), s.options.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire licenses: %w", err)
	}

	s.options.Metrics.RecordExpired(count)
	logger.Info("Expiration sweep finished", map[string]interface{}{
		"expired": count,
	})
	return count, nil
}

type ReminderResult struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// SendExpirationReminders emails every active license expiring within the
// reminder window. A failed send does not stop the run; all failures are
// returned together.
func (s *Service) SendExpirationReminders(ctx context.Context) (ReminderResult, error) {
	var result ReminderResult
	if s.options.Notifier == nil {
		logger.Warn("No notifier configured, skipping expiration reminders")
		return result, nil
	}

	today := s.today()
	until := today.AddDate(0, 0, s.options.ReminderWindowDays)
	licenses, err := s.store.FindActiveLicensesExpiringBetween(ctx, today, until)
	if err != nil {
		return result, fmt.Errorf("failed to load expiring licenses: %w", err)
	}

	var errs *multierror.Error
	for _, license := range licenses {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}

		sent, err := s.remind(ctx, license, today)
		switch {
		case err != nil:
			result.Failed++
			errs = multierror.Append(errs, fmt.Errorf("license %s: %w", license.Number, err))
			logger.Error("Failed to send expiration reminder", map[string]interface{}{
				"license_id": license.ID,
				"number":     license.Number,
				"error":      err.Error(),
			})
		case sent:
			result.Sent++
		default:
			result.Skipped++
		}
	}

	s.options.Metrics.RecordReminders(result.Sent, result.Skipped, result.Failed)
	logger.Info("Expiration reminders processed", map[string]interface{}{
		"candidates": len(licenses),
		"sent":       result.Sent,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	})
	return result, errs.ErrorOrNil()
}

func (s *Service) remind(ctx context.Context, license *models.License, today time.Time) (bool, error) {
	customer, err := s.store.GetCustomer(ctx, license.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to load customer: %w", err)
	}

	var parent *models.Customer
	if customer != nil && customer.ParentID != "" {
		parent, err = s.store.GetCustomer(ctx, customer.ParentID)
		if err != nil {
			return false, fmt.Errorf("failed to load parent contact: %w", err)
		}
	}

	recipient := models.ReminderRecipient(customer, parent)
	if recipient == "" {
		logger.Warn("No email address for expiration reminder", map[string]interface{}{
			"license_id":  license.ID,
			"number":      license.Number,
			"customer_id": license.CustomerID,
		})
		return false, nil
	}

	product, err := s.store.GetProduct(ctx, license.ProductID)
	if err != nil {
		return false, fmt.Errorf("failed to load product: %w", err)
	}

	data := email.ExpirationReminder{
		LicenseNumber:  license.Number,
		LicenseKey:     license.Key,
		ExpirationDate: license.ExpirationDate.Format(models.DateLayout),
		DaysLeft:       license.DaysUntilExpiration(today),
	}
	if customer != nil {
		data.CustomerName = customer.Name
	}
	if product != nil {
		data.ProductName = product.Name
	}

	if err := s.options.Notifier.SendExpirationReminder(ctx, recipient, data); err != nil {
		return false, err
	}
	return true, nil
}

// Issue creates a license, activates it and emails the key to the customer.
// A failed email is logged and does not undo the license.
func (s *Service) Issue(ctx context.Context, params CreateParams) (*models.License, error) {
	created, err := s.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	license, err := s.Activate(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	if s.options.Notifier == nil {
		return license, nil
	}
	if err := s.sendLicenseKey(ctx, license); err != nil {
		logger.Error("Failed to send license email", map[string]interface{}{
			"error":       err.Error(),
			"license_id":  license.ID,
			"license_key": license.Key,
			"customer_id": license.CustomerID,
		})
	}
	return license, nil
}

func (s *Service) sendLicenseKey(ctx context.Context, license *models.License) error {
	customer, err := s.store.GetCustomer(ctx, license.CustomerID)
	if err != nil {
		return err
	}
	var parent *models.Customer
	if customer != nil && customer.ParentID != "" {
		if parent, err = s.store.GetCustomer(ctx, customer.ParentID); err != nil {
			return err
		}
	}
	recipient := models.ReminderRecipient(customer, parent)
	if recipient == "" {
		return errors.New("customer has no email address")
	}

	product, err := s.store.GetProduct(ctx, license.ProductID)
	if err != nil {
		return err
	}

	data := email.LicenseIssued{
		CustomerName:  customer.Name,
		LicenseNumber: license.Number,
		LicenseKey:    license.Key,
		StartDate:     license.StartDate.Format(models.DateLayout),
	}
	if product != nil {
		data.ProductName = product.Name
	}
	if license.ExpirationDate != nil {
		data.ExpirationDate = license.ExpirationDate.Format(models.DateLayout)
	}

	if err := s.options.Notifier.SendLicenseKey(ctx, recipient, data); err != nil {
		return err
	}
	logger.Info("License email sent", map[string]interface{}{
		"email":       recipient,
		"customer_id": license.CustomerID,
	})
	return nil
}

type KeyStatus struct {
	Valid   bool
	Message string
	License *models.License
}

// CheckKey reports whether key belongs to an active license that has not
// passed its expiration date.
func (s *Service) CheckKey(ctx context.Context, key string) (*KeyStatus, error) {
	license, err := s.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up license key: %w", err)
	}

	status := &KeyStatus{License: license}
	switch {
	case license == nil:
		status.Message = "License not found"
	case license.State != models.StateActive:
		status.Message = "License not active"
	case license.ExpirationDate != nil && models.Date(*license.ExpirationDate).Before(s.today()):
		status.Message = "License has expired"
	default:
		status.Valid = true
		status.Message = "License valid"
	}

	s.options.Metrics.RecordKeyValidation(status.Valid)
	return status, nil
}
