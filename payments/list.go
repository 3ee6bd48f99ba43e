package payments

import (
	"context"
	"errors"
	"strconv"

	"gorm.io/gorm"

	"github.com/culturesnews/payment-backend/apperr"
	"github.com/culturesnews/payment-backend/models"
)

// ListFilters narrows the transaction listing. Empty fields are skipped.
type ListFilters struct {
	UserID string
	Status string
	Method string
	Limit  int
	Offset int
}

type ListPage struct {
	Transactions []models.Transaction
	Total        int64
	Limit        int
	Offset       int
}

// List returns a filtered, newest-first page of transactions.
func (s *Service) List(ctx context.Context, f ListFilters) (*ListPage, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	scope := func(q *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			q = q.Where("user_id = ?", f.UserID)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.Method != "" {
			q = q.Where("payment_method = ?", f.Method)
		}
		return q
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Scopes(scope).Count(&total).Error; err != nil {
		return nil, err
	}

	var transactions []models.Transaction
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Scopes(scope).
		Order("created_at DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&transactions).Error; err != nil {
		return nil, err
	}

	return &ListPage{Transactions: transactions, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Get looks a transaction up by internal id when the key is numeric, falling
// back to an exact PTN match otherwise.
func (s *Service) Get(ctx context.Context, idOrRef string) (*models.Transaction, error) {
	var tx models.Transaction

	if n, err := strconv.ParseUint(idOrRef, 10, 64); err == nil {
		err = s.db.WithContext(ctx).First(&tx, uint(n)).Error
		if err == nil {
			return &tx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	err := s.db.WithContext(ctx).Where("gateway_reference = ?", idOrRef).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("transaction", idOrRef)
		}
		return nil, err
	}
	return &tx, nil
}
