package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/culturesnews/payment-backend/apperr"
	"github.com/culturesnews/payment-backend/auth"
	"github.com/culturesnews/payment-backend/models"
	"github.com/culturesnews/payment-backend/payments"
)

// PaymentService is the slice of the payments service the HTTP layer uses.
type PaymentService interface {
	Initiate(ctx context.Context, req models.InitiateRequest) (*models.Transaction, error)
	PollStatus(ctx context.Context, txID uint) (*payments.PollResult, error)
	List(ctx context.Context, f payments.ListFilters) (*payments.ListPage, error)
	Get(ctx context.Context, idOrRef string) (*models.Transaction, error)
}

type PaymentHandler struct {
	svc            PaymentService
	tokens         *auth.Scheme
	validate       *validator.Validate
	deepLinkScheme string
}

func NewPaymentHandler(svc PaymentService, tokens *auth.Scheme, deepLinkScheme string) *PaymentHandler {
	return &PaymentHandler{
		svc:            svc,
		tokens:         tokens,
		validate:       validator.New(),
		deepLinkScheme: deepLinkScheme,
	}
}

func (h *PaymentHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now()})
}

// GenerateToken issues a windowed bearer token for the given user.
func (h *PaymentHandler) GenerateToken(c *fiber.Ctx) error {
	var req models.TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request: " + err.Error()})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}

	token, expiresAt := h.tokens.Issue(req.UserID)
	return c.JSON(models.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// InitiatePayment verifies the token, then starts a collection through the
// payments service.
func (h *PaymentHandler) InitiatePayment(c *fiber.Ctx) error {
	var req models.InitiateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request: " + err.Error()})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Missing or invalid fields: " + err.Error()})
	}

	token := bearerToken(c)
	if token == "" || !h.tokens.Verify(req.UserID, token) {
		return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
	}

	tx, err := h.svc.Initiate(c.Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(models.InitiateResponse{
		TransactionID: tx.ID,
		PTN:           tx.GatewayReference,
		Message:       "Payment initiated successfully",
		Timestamp:     time.Now(),
	})
}

// GetPaymentStatus reconciles and reports the status of one transaction.
// The token is checked against the transaction's owner, not the caller's
// claimed identity.
func (h *PaymentHandler) GetPaymentStatus(c *fiber.Ctx) error {
	id := c.Params("transactionId")
	if id == "" {
		return c.Status(400).JSON(fiber.Map{"error": "transactionId is required"})
	}
	token := bearerToken(c)
	if token == "" {
		return c.Status(401).JSON(fiber.Map{"error": "Missing token"})
	}

	tx, err := h.svc.Get(c.Context(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	if !h.tokens.Verify(tx.UserID, token) {
		return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
	}

	res, err := h.svc.PollStatus(c.Context(), tx.ID)
	if err != nil {
		return errorJSON(c, err)
	}

	resp := models.StatusResponse{
		Status:    res.Status,
		Message:   res.Message,
		ErrorCode: res.ErrorCode,
	}
	if res.Status == "success" && h.deepLinkScheme != "" {
		resp.DeepLink = fmt.Sprintf("%s://payment-success?userId=%s", h.deepLinkScheme, res.UserID)
	}
	return c.JSON(resp)
}

func (h *PaymentHandler) ListTransactions(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	page, err := h.svc.List(c.Context(), payments.ListFilters{
		UserID: c.Query("user_id"),
		Status: c.Query("status"),
		Method: c.Query("method"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(fiber.Map{
		"transactions": page.Transactions,
		"pagination": fiber.Map{
			"total":  page.Total,
			"limit":  page.Limit,
			"offset": page.Offset,
		},
	})
}

func (h *PaymentHandler) GetTransaction(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(400).JSON(fiber.Map{"error": "id is required"})
	}
	tx, err := h.svc.Get(c.Context(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(tx)
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// errorJSON maps the apperr taxonomy onto HTTP statuses.
func errorJSON(c *fiber.Ctx, err error) error {
	var (
		validationErr *apperr.ValidationError
		authErr       *apperr.AuthError
		notFoundErr   *apperr.NotFoundError
		upstreamErr   *apperr.UpstreamError
	)
	switch {
	case errors.As(err, &validationErr):
		return c.Status(400).JSON(fiber.Map{"error": validationErr.Msg})
	case errors.As(err, &authErr):
		return c.Status(401).JSON(fiber.Map{"error": authErr.Msg})
	case errors.As(err, &notFoundErr):
		return c.Status(404).JSON(fiber.Map{"error": notFoundErr.Error()})
	case errors.As(err, &upstreamErr):
		return c.Status(502).JSON(fiber.Map{"error": "Payment gateway error", "details": upstreamErr.Error()})
	default:
		return c.Status(500).JSON(fiber.Map{"error": "Internal error"})
	}
}
