package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Topics emitted by the billing core. Downstream consumers (dunning
// emails, account dashboards, alerting) drain the billing_events table.
const (
	TopicNeedsUpdate        = "billing.needs_update"
	TopicChargeFailed       = "billing.charge_failed"
	TopicReceiptWriteFailed = "billing.receipt_write_failed"
	TopicRunCompleted       = "billing.run_completed"
)

// Notifier appends billing events to a transactional outbox table.
// Publishing is best effort: a failed insert is logged and swallowed so
// event plumbing can never fail a charge that already happened.
type Notifier struct {
	log  *zap.Logger
	db   *gorm.DB
	node *snowflake.Node
}

type Params struct {
	fx.In

	Log  *zap.Logger
	DB   *gorm.DB
	Node *snowflake.Node
}

func New(p Params) *Notifier {
	return &Notifier{
		log:  p.Log.Named("events"),
		db:   p.DB,
		node: p.Node,
	}
}

// Publish appends one event. A non-empty dedupeKey collapses repeat
// emissions of the same logical event (per topic) into one row.
func (n *Notifier) Publish(ctx context.Context, topic string, payload map[string]any, dedupeKey string) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("event payload not serializable",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	var key *string
	if dedupeKey != "" {
		key = &dedupeKey
	}
	err = n.db.WithContext(ctx).Exec(`
		INSERT INTO billing_events (id, topic, payload, dedupe_key)
		VALUES (?, ?, ?, ?)`,
		n.node.Generate().Int64(), topic, string(body), key).Error
	if err != nil {
		if isUniqueViolation(err) {
			n.log.Debug("event deduplicated",
				zap.String("topic", topic),
				zap.String("dedupe_key", dedupeKey),
			)
			return
		}
		n.log.Error("event publish failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	n.log.Debug("event published",
		zap.String("topic", topic),
		zap.String("dedupe_key", dedupeKey),
	)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

var Module = fx.Module("events",
	fx.Provide(New),
)
