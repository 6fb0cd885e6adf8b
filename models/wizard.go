package models

// RenewalWizard holds the user input for renewing a single license.
type RenewalWizard struct {
	LicenseID      string
	DurationMonths int
}

func NewRenewalWizard(license *License) *RenewalWizard {
	return &RenewalWizard{
		LicenseID:      license.ID,
		DurationMonths: license.DurationMonths,
	}
}
