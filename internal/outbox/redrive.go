package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Redriver returns dead-lettered outbox rows to the drain. It is an operator
// tool, not part of the steady-state loop: run it after the failure that
// parked the rows has been fixed.
type Redriver struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewRedriver(pool *pgxpool.Pool, logger *zap.Logger) *Redriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redriver{pool: pool, logger: logger}
}

// RunOnce clears the retry bookkeeping on up to limit dead-lettered rows,
// oldest first, and returns the count made eligible again.
func (m *Redriver) RunOnce(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	tag, err := m.pool.Exec(ctx,
		`UPDATE outbox
		    SET dead_lettered_at = NULL, attempts = 0, last_error = NULL, next_attempt_at = NULL
		  WHERE id IN (
		        SELECT id FROM outbox
		         WHERE dead_lettered_at IS NOT NULL
		         ORDER BY created_at, id
		         LIMIT $1)`,
		limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: redrive: %w", err)
	}

	redriven := int(tag.RowsAffected())
	if redriven > 0 {
		redrivenCounter.Add(float64(redriven))
		m.logger.Info("outbox rows redriven", zap.Int("count", redriven))
	}
	updateDeadLetterGauge(ctx, m.pool)
	return redriven, nil
}
