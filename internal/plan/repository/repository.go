package repository

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/settleco/settle/internal/plan/domain"
)

type catalogImpl struct {
	db *gorm.DB
}

type Params struct {
	fx.In

	DB *gorm.DB
}

func New(p Params) domain.Catalog {
	return &catalogImpl{db: p.DB}
}

func (r *catalogImpl) Get(ctx context.Context, id int64) (domain.Plan, error) {
	var plan domain.Plan
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM plans WHERE id = ?`, id).
		Scan(&plan).Error
	if err != nil {
		return domain.Plan{}, err
	}
	if plan.ID == 0 {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	return plan, nil
}

func (r *catalogImpl) List(ctx context.Context) ([]domain.Plan, error) {
	var plans []domain.Plan
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM plans ORDER BY price_cents, id`).
		Scan(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

var Module = fx.Module("plan.repository",
	fx.Provide(New),
)
