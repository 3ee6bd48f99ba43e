package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
)

// Terminal reports whether no further status transition is permitted.
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type PaymentMethod string

const (
	MethodMTN PaymentMethod = "MTN"
	MethodOM  PaymentMethod = "OM"
)

type Transaction struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID string `gorm:"index;type:uuid;not null" json:"user_id"`

	// GatewayReference is the PTN assigned by the gateway at initiation.
	// Lookups by it must be exact-match.
	GatewayReference string          `gorm:"uniqueIndex;not null" json:"gateway_reference"`
	Amount           decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount"`
	Currency         string          `json:"currency"`
	Status           TxStatus        `gorm:"index" json:"status"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PhoneNumber      string          `json:"phone_number"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	WebhookReceived   bool       `json:"webhook_received"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RawPayload keeps the gateway's initiation response for later support queries.
	RawPayload datatypes.JSON `gorm:"type:jsonb" json:"-"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}
