package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User maps to the `users` table. One user is bound to one authorized device.
type User struct {
	ID                uuid.UUID  `json:"id"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	Name              string     `json:"name"`
	Phone             string     `json:"phone"`
	AuthorizedDevice  string     `json:"authorized_device"`
	BiometricsEnabled bool       `json:"biometrics_enabled"`
	Location          *string    `json:"location,omitempty"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LedgerAccount maps to the `ledger_accounts` table.
// Only the public address is stored; signing keys live with the ledger gateway.
type LedgerAccount struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Address   string          `json:"address"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BankLinkStatus is the connection state of a bank link.
type BankLinkStatus string

const (
	BankLinkConnected    BankLinkStatus = "connected"
	BankLinkDisconnected BankLinkStatus = "disconnected"
)

// BankLink maps to the `bank_links` table.
type BankLink struct {
	ID            uuid.UUID      `json:"id"`
	UserID        uuid.UUID      `json:"user_id"`
	BankName      string         `json:"bank_name"`
	AccountNumber string         `json:"account_number"`
	RoutingNumber string         `json:"routing_number"`
	Status        BankLinkStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RegisterRequest is the DTO for account registration.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Device   string `json:"device"`
	Location string `json:"location"`
}

// RegisterResponse carries the new user's id and ledger address.
type RegisterResponse struct {
	UserID        uuid.UUID `json:"user_id"`
	LedgerAddress string    `json:"ledger_address"`
}

// LoginRequest is the DTO for password login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Device   string `json:"device"`
	Location string `json:"location"`
}

// BiometricLoginRequest is the DTO for device-bound biometric login.
type BiometricLoginRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Device string    `json:"device"`
}

// Session is returned after a successful login.
type Session struct {
	UserID        uuid.UUID `json:"user_id"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	LedgerAddress string    `json:"ledger_address"`
}

// UpdateProfileRequest is the DTO for profile updates.
type UpdateProfileRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	Name     string    `json:"name"`
	Phone    string    `json:"phone"`
	Location string    `json:"location"`
}

// SetBiometricsRequest toggles biometric login for a user.
type SetBiometricsRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	Enabled bool      `json:"enabled"`
}

// ConnectBankRequest is the DTO for linking a bank account.
type ConnectBankRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	BankName      string    `json:"bank_name"`
	AccountNumber string    `json:"account_number"`
	RoutingNumber string    `json:"routing_number"`
}

// DisconnectBankRequest is the DTO for removing a bank link.
type DisconnectBankRequest struct {
	UserID           uuid.UUID `json:"user_id"`
	BankConnectionID uuid.UUID `json:"bank_connection_id"`
}

// Linkage is the validated set of records a transfer operates on.
type Linkage struct {
	User          *User
	LedgerAccount *LedgerAccount
	BankLink      *BankLink
}
