package domain

import "time"

// User is the identity record backing the auth validator stub. Token
// issuance itself lives outside this system.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefreshToken is a long-lived token record. Only the hash is stored.
type RefreshToken struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// ActionToken is a single-use token for email verification or password
// reset flows.
type ActionToken struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Feedback is a free-form user submission
type Feedback struct {
	FeedbackID string    `json:"feedback_id"`
	UserID     string    `json:"user_id"`
	Category   string    `json:"category"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fund is a top-level capital pool owned by a user
type Fund struct {
	FundID       string    `json:"fund_id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	BaseCurrency Currency  `json:"base_currency"`
	AUM          float64   `json:"aum"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Book is a strategy book within a fund
type Book struct {
	BookID          string    `json:"book_id"`
	FundID          string    `json:"fund_id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Strategy        string    `json:"strategy"`
	MaxPositionSize float64   `json:"max_position_size"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
