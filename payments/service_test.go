package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/culturesnews/payment-backend/apperr"
	"github.com/culturesnews/payment-backend/gateway"
	"github.com/culturesnews/payment-backend/models"
)

type mockGateway struct {
	InitiateFunc func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error)
	StatusFunc   func(ctx context.Context, ptn string) (*gateway.StatusResponse, error)

	statusCalls int32
}

func (m *mockGateway) InitiatePayment(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}
	return &gateway.InitiateResponse{PTN: "PTN123"}, nil
}

func (m *mockGateway) GetPaymentStatus(ctx context.Context, ptn string) (*gateway.StatusResponse, error) {
	atomic.AddInt32(&m.statusCalls, 1)
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, ptn)
	}
	return &gateway.StatusResponse{}, nil
}

func statusEnvelope(status, errorCode string) *gateway.StatusResponse {
	return &gateway.StatusResponse{ResponseData: []gateway.StatusResult{{
		Status:    status,
		ErrorCode: gateway.Code(errorCode),
	}}}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// Serialize writers so the CAS guard, not sqlite lock errors, decides races.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.User{}, &models.Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.NewString(),
		Email:     "reader@example.com",
		FirstName: "Ama",
		LastName:  "Ndongo",
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func seedPendingTx(t *testing.T, db *gorm.DB, userID, ptn string) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		UserID:           userID,
		GatewayReference: ptn,
		Amount:           decimal.NewFromInt(5000),
		Currency:         "XAF",
		Status:           models.StatusPending,
		PaymentMethod:    models.MethodMTN,
		PhoneNumber:      "677123456",
	}
	if err := db.Create(tx).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}

func reload(t *testing.T, db *gorm.DB, id uint) *models.Transaction {
	t.Helper()
	var tx models.Transaction
	if err := db.First(&tx, id).Error; err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	return &tx
}

func TestInitiateCreatesPendingTransaction(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	gw := &mockGateway{
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
			if req.ServiceNumber != "677123456" {
				t.Errorf("ServiceNumber = %q", req.ServiceNumber)
			}
			if req.PaymentMethod != "MTN" {
				t.Errorf("PaymentMethod = %q", req.PaymentMethod)
			}
			return &gateway.InitiateResponse{
				PTN: "PTN123",
				Raw: []byte(`{"ptn":"PTN123","payItemId":"S-112"}`),
			}, nil
		},
	}
	svc := NewService(db, gw)

	tx, err := svc.Initiate(context.Background(), models.InitiateRequest{
		UserID: user.ID,
		Phone:  "677-123-456",
		Amount: decimal.NewFromInt(5000),
		Method: "MTN",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if tx.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING", tx.Status)
	}
	if tx.GatewayReference != "PTN123" {
		t.Fatalf("reference = %q, want PTN123", tx.GatewayReference)
	}
	if tx.PhoneNumber != "677123456" {
		t.Fatalf("phone = %q, want digits only", tx.PhoneNumber)
	}

	got := reload(t, db, tx.ID)
	if len(got.RawPayload) == 0 {
		t.Fatal("gateway response snapshot not persisted")
	}
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(got.RawPayload), &snapshot); err != nil {
		t.Fatalf("raw payload not valid JSON: %v", err)
	}
	if snapshot["ptn"] != "PTN123" {
		t.Fatalf("snapshot ptn = %v", snapshot["ptn"])
	}
}

func TestInitiateRejections(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	svc := NewService(db, &mockGateway{})

	base := models.InitiateRequest{
		UserID: user.ID,
		Phone:  "677123456",
		Amount: decimal.NewFromInt(5000),
		Method: "MTN",
	}

	t.Run("unknown user", func(t *testing.T) {
		req := base
		req.UserID = uuid.NewString()
		_, err := svc.Initiate(context.Background(), req)
		var nf *apperr.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	})

	t.Run("short phone", func(t *testing.T) {
		req := base
		req.Phone = "677-12"
		_, err := svc.Initiate(context.Background(), req)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		req := base
		req.Amount = decimal.Zero
		_, err := svc.Initiate(context.Background(), req)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("active premium", func(t *testing.T) {
		expiry := time.Now().AddDate(0, 6, 0)
		if err := db.Model(&models.User{}).Where("id = ?", user.ID).
			Updates(map[string]any{"is_premium": true, "premium_expires_at": expiry}).Error; err != nil {
			t.Fatal(err)
		}
		_, err := svc.Initiate(context.Background(), base)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}

func TestInitiateGatewayFailureCreatesNothing(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	gw := &mockGateway{
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
			return nil, errors.New("ptn missing from initiation response")
		},
	}
	svc := NewService(db, gw)

	_, err := svc.Initiate(context.Background(), models.InitiateRequest{
		UserID: user.ID,
		Phone:  "677123456",
		Amount: decimal.NewFromInt(5000),
		Method: "MTN",
	})
	var up *apperr.UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}

	var count int64
	db.Model(&models.Transaction{}).Count(&count)
	if count != 0 {
		t.Fatalf("transaction count = %d, want 0 after failed initiation", count)
	}
}

func TestPollStatusSuccessCompletesAndGrantsPremium(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, ptn string) (*gateway.StatusResponse, error) {
			return statusEnvelope("SUCCESS", ""), nil
		},
	}
	svc := NewService(db, gw)
	grantedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return grantedAt }

	res, err := svc.PollStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("status = %q, want success", res.Status)
	}

	got := reload(t, db, tx.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("tx status = %s, want COMPLETED", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	var u models.User
	if err := db.First(&u, "id = ?", user.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !u.IsPremium {
		t.Fatal("is_premium not set")
	}
	if u.PremiumExpiresAt == nil || !u.PremiumExpiresAt.Equal(grantedAt.AddDate(1, 0, 0)) {
		t.Fatalf("premium_expires_at = %v, want %v", u.PremiumExpiresAt, grantedAt.AddDate(1, 0, 0))
	}
	if u.LastPaymentDate == nil || !u.LastPaymentDate.Equal(grantedAt) {
		t.Fatalf("last_payment_date = %v, want %v", u.LastPaymentDate, grantedAt)
	}
}

func TestPollStatusTerminalSkipsGateway(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	now := time.Now()
	db.Model(tx).Updates(map[string]any{"status": models.StatusCompleted, "completed_at": now})

	gw := &mockGateway{}
	svc := NewService(db, gw)

	res, err := svc.PollStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if gw.statusCalls != 0 {
		t.Fatalf("gateway called %d times for a terminal transaction", gw.statusCalls)
	}
}

func TestPollStatusFailedRecordsError(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, ptn string) (*gateway.StatusResponse, error) {
			return statusEnvelope("FAILED", "104"), nil
		},
	}
	svc := NewService(db, gw)

	res, err := svc.PollStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if res.Status != "failed" {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Message != "Insufficient funds" {
		t.Fatalf("message = %q", res.Message)
	}

	got := reload(t, db, tx.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("tx status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "104" {
		t.Fatalf("error_code = %v, want 104", got.ErrorCode)
	}

	var u models.User
	db.First(&u, "id = ?", user.ID)
	if u.IsPremium {
		t.Fatal("premium granted on a failed payment")
	}
}

func TestPollStatusMalformedEnvelopeStaysPending(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, ptn string) (*gateway.StatusResponse, error) {
			return &gateway.StatusResponse{}, nil
		},
	}
	svc := NewService(db, gw)

	res, err := svc.PollStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if res.Status != "pending" {
		t.Fatalf("status = %q, want pending", res.Status)
	}
	if got := reload(t, db, tx.ID); got.Status != models.StatusPending {
		t.Fatalf("tx status = %s, want PENDING untouched", got.Status)
	}
}

func TestPollStatusGatewayNotFoundNeverFails(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, ptn string) (*gateway.StatusResponse, error) {
			// What gateway.Client returns for an HTTP 404.
			return statusEnvelope("PENDING", ""), nil
		},
	}
	svc := NewService(db, gw)

	res, err := svc.PollStatus(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if res.Status != "pending" {
		t.Fatalf("status = %q, want pending", res.Status)
	}
	if got := reload(t, db, tx.ID); got.Status != models.StatusPending {
		t.Fatalf("tx status = %s, a gateway 404 must never produce FAILED", got.Status)
	}
}

func TestCompletedTransitionIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	svc := NewService(db, &mockGateway{})

	first := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }
	if err := svc.toCompleted(context.Background(), tx, false); err != nil {
		t.Fatalf("first toCompleted: %v", err)
	}

	var u1 models.User
	db.First(&u1, "id = ?", user.ID)

	// A later redundant transition must not extend the entitlement.
	svc.now = func() time.Time { return first.Add(48 * time.Hour) }
	again := reload(t, db, tx.ID)
	if err := svc.toCompleted(context.Background(), again, false); err != nil {
		t.Fatalf("second toCompleted: %v", err)
	}

	var u2 models.User
	db.First(&u2, "id = ?", user.ID)
	if !u2.PremiumExpiresAt.Equal(*u1.PremiumExpiresAt) {
		t.Fatalf("premium_expires_at moved from %v to %v on redundant completion",
			u1.PremiumExpiresAt, u2.PremiumExpiresAt)
	}
	if !u2.LastPaymentDate.Equal(*u1.LastPaymentDate) {
		t.Fatal("last_payment_date changed on redundant completion")
	}
}

func TestCompletedAcknowledgedDespiteEntitlementFailure(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	svc := NewService(db, &mockGateway{})

	// Break the entitlement write only: the users table is gone, the
	// transactions table is intact.
	if err := db.Migrator().DropTable(&models.User{}); err != nil {
		t.Fatalf("drop users table: %v", err)
	}

	err := svc.ProcessWebhook(context.Background(), models.WebhookPayload{
		Reference: "PTN123",
		Status:    "SUCCESS",
	})
	if err != nil {
		t.Fatalf("webhook must be acknowledged even when the entitlement write fails, got %v", err)
	}

	got := reload(t, db, tx.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("tx status = %s, want COMPLETED", got.Status)
	}
	if !got.WebhookReceived {
		t.Fatal("webhook receipt not stamped")
	}
}

func TestWebhookSuccessStampsAndCompletes(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	svc := NewService(db, &mockGateway{})

	err := svc.ProcessWebhook(context.Background(), models.WebhookPayload{
		Reference: "PTN123",
		Status:    "SUCCESS",
	})
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}

	got := reload(t, db, tx.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("tx status = %s, want COMPLETED", got.Status)
	}
	if !got.WebhookReceived || got.WebhookReceivedAt == nil {
		t.Fatal("webhook receipt not stamped")
	}

	var u models.User
	db.First(&u, "id = ?", user.ID)
	if !u.IsPremium {
		t.Fatal("is_premium not set via webhook")
	}
}

func TestWebhookRedeliveryIsReplaySafe(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	seedPendingTx(t, db, user.ID, "PTN123")
	svc := NewService(db, &mockGateway{})

	payload := models.WebhookPayload{Reference: "PTN123", Status: "SUCCESS"}
	if err := svc.ProcessWebhook(context.Background(), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	var u1 models.User
	db.First(&u1, "id = ?", user.ID)

	svc.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	if err := svc.ProcessWebhook(context.Background(), payload); err != nil {
		t.Fatalf("redelivery must acknowledge, got %v", err)
	}

	var u2 models.User
	db.First(&u2, "id = ?", user.ID)
	if !u2.PremiumExpiresAt.Equal(*u1.PremiumExpiresAt) {
		t.Fatal("redelivery re-granted the entitlement")
	}
}

func TestWebhookUnknownReference(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	seedPendingTx(t, db, user.ID, "PTN123")
	svc := NewService(db, &mockGateway{})

	err := svc.ProcessWebhook(context.Background(), models.WebhookPayload{
		Reference: "PTN999",
		Status:    "SUCCESS",
	})
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}

	var tx models.Transaction
	db.Where("gateway_reference = ?", "PTN123").First(&tx)
	if tx.Status != models.StatusPending {
		t.Fatalf("unrelated transaction mutated: %s", tx.Status)
	}
}

func TestWebhookFailureRecordsCode(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	svc := NewService(db, &mockGateway{})

	err := svc.ProcessWebhook(context.Background(), models.WebhookPayload{
		Reference: "PTN123",
		Status:    "FAILED",
		ErrorCode: "117",
	})
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}

	got := reload(t, db, tx.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("tx status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "Declined by user" {
		t.Fatalf("error_message = %v", got.ErrorMessage)
	}
	if !got.WebhookReceived {
		t.Fatal("webhook receipt not stamped")
	}
}

func TestConcurrentPollAndWebhookSingleGrant(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	tx := seedPendingTx(t, db, user.ID, "PTN123")
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, ptn string) (*gateway.StatusResponse, error) {
			return statusEnvelope("SUCCESS", ""), nil
		},
	}
	svc := NewService(db, gw)

	var userUpdates int32
	err := db.Callback().Update().After("gorm:update").Register("count_user_updates", func(op *gorm.DB) {
		if op.Statement.Table == "users" {
			atomic.AddInt32(&userUpdates, 1)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	var wg sync.WaitGroup
	var pollErr, hookErr error
	var pollRes *PollResult

	wg.Add(2)
	go func() {
		defer wg.Done()
		pollRes, pollErr = svc.PollStatus(context.Background(), tx.ID)
	}()
	go func() {
		defer wg.Done()
		hookErr = svc.ProcessWebhook(context.Background(), models.WebhookPayload{
			Reference: "PTN123",
			Status:    "SUCCESS",
		})
	}()
	wg.Wait()

	if pollErr != nil {
		t.Fatalf("poll trigger: %v", pollErr)
	}
	if hookErr != nil {
		t.Fatalf("webhook trigger: %v", hookErr)
	}
	if pollRes.Status != "success" {
		t.Fatalf("poll reported %q, want success", pollRes.Status)
	}

	got := reload(t, db, tx.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("tx status = %s, want COMPLETED", got.Status)
	}
	if n := atomic.LoadInt32(&userUpdates); n != 1 {
		t.Fatalf("entitlement written %d times, want exactly 1", n)
	}

	var u models.User
	db.First(&u, "id = ?", user.ID)
	if !u.IsPremium {
		t.Fatal("is_premium not set")
	}
}

func TestPremiumExpiryCalendarYear(t *testing.T) {
	// Leap day rolls over to March 1 the following year.
	leap := time.Date(2028, 2, 29, 10, 0, 0, 0, time.UTC)
	if got := PremiumExpiry(leap); !got.Equal(time.Date(2029, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("PremiumExpiry(leap day) = %v", got)
	}
	plain := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := PremiumExpiry(plain); !got.Equal(time.Date(2027, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("PremiumExpiry = %v", got)
	}
}
