// Package wallet defines the domain events exchanged through the wallet-hub pipeline.
package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletCreated signals that a new wallet was provisioned.
type WalletCreated struct {
	EventID    uuid.UUID `json:"eventId"`
	OccurredOn time.Time `json:"occurredOn"`
	WalletID   uuid.UUID `json:"walletId"`
	OwnerID    uuid.UUID `json:"ownerId"`
	Currency   string    `json:"currency"`
}

// FundsAdded signals a deposit into a wallet.
type FundsAdded struct {
	EventID    uuid.UUID       `json:"eventId"`
	OccurredOn time.Time       `json:"occurredOn"`
	WalletID   uuid.UUID       `json:"walletId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// FundsWithdrawn signals a withdrawal from a wallet.
type FundsWithdrawn struct {
	EventID    uuid.UUID       `json:"eventId"`
	OccurredOn time.Time       `json:"occurredOn"`
	WalletID   uuid.UUID       `json:"walletId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// FundsTransferred signals movement of funds between two wallets.
type FundsTransferred struct {
	EventID        uuid.UUID       `json:"eventId"`
	OccurredOn     time.Time       `json:"occurredOn"`
	SourceWalletID uuid.UUID       `json:"sourceWalletId"`
	TargetWalletID uuid.UUID       `json:"targetWalletId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}
