// Package payments holds the reconciliation logic: the state machine that
// moves a transaction from PENDING into COMPLETED or FAILED and grants the
// premium entitlement exactly once. Both the client poll path and the gateway
// webhook path run through the same transition procedures, so either delivery
// order (or both at once) converges on one outcome.
package payments

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/culturesnews/payment-backend/apperr"
	"github.com/culturesnews/payment-backend/gateway"
	"github.com/culturesnews/payment-backend/models"
)

// Gateway statuses reported in the responseData envelope and webhook payloads.
const (
	gatewaySuccess = "SUCCESS"
	gatewayFailed  = "FAILED"
)

// GatewayClient is the slice of the gateway client this service needs.
type GatewayClient interface {
	InitiatePayment(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error)
	GetPaymentStatus(ctx context.Context, ptn string) (*gateway.StatusResponse, error)
}

type Service struct {
	db  *gorm.DB
	gw  GatewayClient
	now func() time.Time
}

func NewService(db *gorm.DB, gw GatewayClient) *Service {
	return &Service{db: db, gw: gw, now: time.Now}
}

// PollResult is the reconciled outcome reported back to the polling client.
type PollResult struct {
	Status    string // "success" | "failed" | "pending"
	Message   string
	ErrorCode string
	UserID    string
}

// Initiate validates the request, starts a collection at the gateway and
// records the PENDING transaction. The transaction is only created once the
// gateway has assigned a PTN; a refused or reference-less initiation creates
// nothing.
func (s *Service) Initiate(ctx context.Context, req models.InitiateRequest) (*models.Transaction, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", req.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user", req.UserID)
		}
		return nil, err
	}
	if user.HasActivePremium(s.now()) {
		return nil, apperr.Validation("user already has an active premium subscription")
	}

	phone := CleanPhone(req.Phone)
	if len(phone) < 9 {
		return nil, apperr.Validation("invalid phone number")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}

	name := req.CustomerName
	if name == "" {
		name = user.FullName()
	}
	email := req.CustomerEmail
	if email == "" {
		email = user.Email
	}

	resp, err := s.gw.InitiatePayment(ctx, gateway.InitiateRequest{
		Amount:        req.Amount,
		ServiceNumber: phone,
		CustomerName:  name,
		CustomerEmail: email,
		PaymentMethod: string(NormalizeMethod(req.Method)),
		Description:   "Cultures News Premium - " + name,
	})
	if err != nil {
		return nil, apperr.Upstream("initiate", err)
	}

	tx := models.Transaction{
		UserID:           user.ID,
		GatewayReference: resp.PTN,
		Amount:           req.Amount,
		Currency:         "XAF",
		Status:           models.StatusPending,
		PaymentMethod:    NormalizeMethod(req.Method),
		PhoneNumber:      phone,
		RawPayload:       datatypes.JSON(resp.Raw),
	}
	if err := s.db.WithContext(ctx).Create(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// PollStatus reconciles a transaction against the gateway's authoritative
// status. Terminal transactions answer from the local record without a
// gateway call.
func (s *Service) PollStatus(ctx context.Context, txID uint) (*PollResult, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).First(&tx, txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("transaction", itoa(txID))
		}
		return nil, err
	}

	if tx.Status.Terminal() {
		return s.cachedResult(&tx), nil
	}

	info, err := s.gw.GetPaymentStatus(ctx, tx.GatewayReference)
	if err != nil {
		return nil, apperr.Upstream("status", err)
	}
	if len(info.ResponseData) == 0 {
		return &PollResult{
			Status:  "pending",
			Message: "Waiting for the payment system to respond",
			UserID:  tx.UserID,
		}, nil
	}

	result := info.ResponseData[0]
	switch result.Status {
	case gatewaySuccess:
		if err := s.toCompleted(ctx, &tx, false); err != nil {
			return nil, err
		}
		return s.cachedResult(&tx), nil
	case gatewayFailed:
		if err := s.toFailed(ctx, &tx, result.ErrorCode.String(), "", false); err != nil {
			return nil, err
		}
		return s.cachedResult(&tx), nil
	default:
		// PENDING or an unrecognized status: report pending, never write a
		// terminal state from it.
		return &PollResult{
			Status:  "pending",
			Message: "Waiting for confirmation on your phone",
			UserID:  tx.UserID,
		}, nil
	}
}

// ProcessWebhook applies a gateway push notification. Redelivery of a webhook
// for an already-terminal transaction acknowledges without mutating.
func (s *Service) ProcessWebhook(ctx context.Context, payload models.WebhookPayload) error {
	var tx models.Transaction
	err := s.db.WithContext(ctx).Where("gateway_reference = ?", payload.Reference).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("transaction", payload.Reference)
		}
		return err
	}

	if tx.Status.Terminal() {
		log.Printf("webhook: replay for ptn=%s status=%s, acknowledging without change",
			payload.Reference, tx.Status)
		return nil
	}

	switch payload.Status {
	case gatewaySuccess:
		return s.toCompleted(ctx, &tx, true)
	case gatewayFailed:
		return s.toFailed(ctx, &tx, payload.ErrorCode, payload.ErrorMessage, true)
	default:
		log.Printf("webhook: ptn=%s reported non-terminal status %q, ignoring",
			payload.Reference, payload.Status)
		return nil
	}
}

// toCompleted finalizes the transaction and grants the entitlement. The status
// write is conditional on the row still being PENDING; losing that race means
// another trigger already finalized it and this call must not side-effect the
// user again.
func (s *Service) toCompleted(ctx context.Context, tx *models.Transaction, fromWebhook bool) error {
	now := s.now()

	updates := map[string]any{
		"status":       models.StatusCompleted,
		"completed_at": now,
	}
	if fromWebhook {
		updates["webhook_received"] = true
		updates["webhook_received_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", tx.ID, models.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Another writer finalized first. Reload so the caller reports the
		// settled outcome.
		return s.db.WithContext(ctx).First(tx, tx.ID).Error
	}

	tx.Status = models.StatusCompleted
	tx.CompletedAt = &now

	expiry := PremiumExpiry(now)
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", tx.UserID).
		Updates(map[string]any{
			"is_premium":         true,
			"last_payment_date":  now,
			"premium_expires_at": expiry,
		}).Error
	if err != nil {
		// The trigger must still be acknowledged; surfacing this as a hard
		// failure would cause webhook redelivery storms. Logged for alerting.
		partial := &apperr.PartialFailureError{TransactionID: tx.ID, UserID: tx.UserID, Err: err}
		log.Printf("ERROR: %v", partial)
		return nil
	}

	log.Printf("payments: transaction %d completed, premium granted to user %s until %s",
		tx.ID, tx.UserID, expiry.Format(time.RFC3339))
	return nil
}

// toFailed finalizes the transaction as FAILED, recording the gateway's error
// code and a readable reason. Same PENDING-guard as toCompleted.
func (s *Service) toFailed(ctx context.Context, tx *models.Transaction, errorCode, errorMessage string, fromWebhook bool) error {
	now := s.now()
	if errorMessage == "" {
		errorMessage = gateway.ErrorMessage(errorCode)
	}

	updates := map[string]any{
		"status":        models.StatusFailed,
		"completed_at":  now,
		"error_code":    errorCode,
		"error_message": errorMessage,
	}
	if fromWebhook {
		updates["webhook_received"] = true
		updates["webhook_received_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", tx.ID, models.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.db.WithContext(ctx).First(tx, tx.ID).Error
	}

	tx.Status = models.StatusFailed
	tx.CompletedAt = &now
	tx.ErrorCode = &errorCode
	tx.ErrorMessage = &errorMessage

	log.Printf("payments: transaction %d failed, code=%s (%s)", tx.ID, errorCode, errorMessage)
	return nil
}

func (s *Service) cachedResult(tx *models.Transaction) *PollResult {
	switch tx.Status {
	case models.StatusCompleted:
		return &PollResult{
			Status:  "success",
			Message: "Payment confirmed, premium access activated",
			UserID:  tx.UserID,
		}
	case models.StatusFailed:
		code := ""
		if tx.ErrorCode != nil {
			code = *tx.ErrorCode
		}
		msg := gateway.ErrorMessage(code)
		if tx.ErrorMessage != nil && *tx.ErrorMessage != "" {
			msg = *tx.ErrorMessage
		}
		return &PollResult{Status: "failed", Message: msg, ErrorCode: code, UserID: tx.UserID}
	default:
		return &PollResult{
			Status:  "pending",
			Message: "Waiting for confirmation on your phone",
			UserID:  tx.UserID,
		}
	}
}

// CleanPhone strips everything but digits from a client-supplied number.
func CleanPhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeMethod maps free-form client input onto the two supported
// operators. Anything that is not MTN is treated as Orange Money, matching
// the gateway's own normalization.
func NormalizeMethod(raw string) models.PaymentMethod {
	if strings.EqualFold(strings.TrimSpace(raw), "MTN") {
		return models.MethodMTN
	}
	return models.MethodOM
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
