package models

import "time"

type Customer struct {
	ID               string
	Name             string
	Email            string
	ParentID         string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReminderRecipient picks the address license reminders go to: the
// customer's own email, or the parent contact's when the customer has none.
// parent may be nil.
func ReminderRecipient(customer, parent *Customer) string {
	if customer == nil {
		return ""
	}
	if customer.Email != "" {
		return customer.Email
	}
	if parent != nil {
		return parent.Email
	}
	return ""
}
