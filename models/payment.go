package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenRequest is the payload from the mobile app to obtain a bearer token.
type TokenRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// InitiateRequest is the payload from the mobile app to start a payment.
type InitiateRequest struct {
	UserID        string          `json:"userId" validate:"required"`
	Phone         string          `json:"phone" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	Method        string          `json:"method" validate:"required"`
	CustomerName  string          `json:"customerName,omitempty"`
	CustomerEmail string          `json:"customerEmail,omitempty" validate:"omitempty,email"`
}

type InitiateResponse struct {
	TransactionID uint      `json:"transactionId"`
	PTN           string    `json:"ptn"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// StatusResponse reports the reconciled outcome of a payment attempt.
type StatusResponse struct {
	Status    string `json:"status"` // "success" | "failed" | "pending"
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode,omitempty"`
	DeepLink  string `json:"deepLink,omitempty"`
}

// WebhookPayload is what the gateway pushes on settlement.
type WebhookPayload struct {
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}
