package domain

import (
	"context"
	"errors"
	"time"
)

// Billing cycles. Yearly accounts pay twelve months up front with the
// plan's discount applied.
const (
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
)

var ErrPlanNotFound = errors.New("plan_not_found")

// Plan is a priced subscription tier. Prices are integer cents;
// YearlyDiscount is a fraction in [0, 1) applied to the annualized
// price.
type Plan struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	Name           string    `json:"name"`
	PriceCents     int64     `json:"price_cents"`
	Currency       string    `json:"currency"`
	YearlyDiscount float64   `json:"yearly_discount"`
	BillingCycle   string    `json:"billing_cycle"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

// Catalog is read-only plan lookup. Plan management lives upstream;
// the settlement core only consumes the table.
type Catalog interface {
	Get(ctx context.Context, id int64) (Plan, error)
	List(ctx context.Context) ([]Plan, error)
}
