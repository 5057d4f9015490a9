package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/settleco/settle/internal/receipt/domain"
)

type ledgerImpl struct {
	db   *gorm.DB
	node *snowflake.Node
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func New(p Params) domain.Ledger {
	return &ledgerImpl{db: p.DB, node: p.Node}
}

// Append inserts one ledger entry. The unique transaction_id index
// turns replays of the same charge into ErrDuplicateReceipt instead of
// double entries.
func (r *ledgerImpl) Append(ctx context.Context, receipt domain.Receipt) (domain.Receipt, error) {
	if receipt.ID == 0 {
		receipt.ID = r.node.Generate().Int64()
	}
	if err := r.db.WithContext(ctx).Create(&receipt).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.Receipt{}, domain.ErrDuplicateReceipt
		}
		return domain.Receipt{}, err
	}
	return receipt, nil
}

func (r *ledgerImpl) FindByTransactionID(ctx context.Context, transactionID string) (domain.Receipt, error) {
	var receipt domain.Receipt
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM receipts WHERE transaction_id = ?`, transactionID).
		Scan(&receipt).Error
	if err != nil {
		return domain.Receipt{}, err
	}
	if receipt.ID == 0 {
		return domain.Receipt{}, domain.ErrReceiptNotFound
	}
	return receipt, nil
}

func (r *ledgerImpl) List(ctx context.Context, filter domain.ListFilter) ([]domain.Receipt, error) {
	query := `SELECT * FROM receipts WHERE 1=1`
	var args []any
	if filter.BillingAccountID != 0 {
		query += ` AND billing_account_id = ?`
		args = append(args, filter.BillingAccountID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY transaction_date DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var receipts []domain.Receipt
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&receipts).Error; err != nil {
		return nil, err
	}
	return receipts, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

var Module = fx.Module("receipt.repository",
	fx.Provide(New),
)
