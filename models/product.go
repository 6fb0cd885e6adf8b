package models

import "time"

type Product struct {
	ID        string
	Name      string
	IsLicense bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
