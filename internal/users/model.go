package users

import "time"

// User is the account profile consulted by the limiter and credential resolver.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email,omitempty"`
	Tier            string    `json:"tier"`
	DailyTokenLimit *int64    `json:"dailyTokenLimit,omitempty"`
	Unrestricted    bool      `json:"unrestricted"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
