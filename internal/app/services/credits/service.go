// Package credits provides the metered-balance client used by the engine.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowsend/engine/internal/app/domain/billing"
	"github.com/flowsend/engine/internal/app/storage"
	"github.com/flowsend/engine/pkg/logger"
)

// SendCost is the number of credits debited per email send.
const SendCost int64 = 1

// Service wraps the ledger store with reference construction and logging.
type Service struct {
	ledger storage.CreditLedger
	log    *logger.Logger
}

// New creates a configured credits service.
func New(ledger storage.CreditLedger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("credits")
	}
	return &Service{ledger: ledger, log: log}
}

// SendReference builds the idempotency reference for one send attempt.
//
// The reference embeds the attempt's wall-clock timestamp, so a retried
// attempt mints a new reference rather than reusing the original.
// Idempotency therefore only protects same-reference replays, not logical
// retries; this matches the upstream billing contract and is under product
// review.
func SendReference(workflowID, contactID string, step int, at time.Time) string {
	return fmt.Sprintf("wf:%s:ct:%s:step:%d:%d", workflowID, contactID, step, at.Unix())
}

// DebitSend charges one send. Returns billing.ErrInsufficientCredits when
// the balance cannot cover it; the reference is not consumed in that case.
func (s *Service) DebitSend(ctx context.Context, userID, reference string) error {
	err := s.ledger.ConsumeCredits(ctx, userID, SendCost, reference)
	if errors.Is(err, billing.ErrInsufficientCredits) {
		s.log.WithField("user_id", userID).Warn("credit debit declined")
		return err
	}
	if err != nil {
		return fmt.Errorf("consume credits: %w", err)
	}
	return nil
}

// RefundSend returns the charge of a failed send. The refund reuses the
// debit's reference so a replay cannot over-refund.
func (s *Service) RefundSend(ctx context.Context, userID, reference string) error {
	if err := s.ledger.RefundCredits(ctx, userID, SendCost, reference); err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	s.log.WithField("user_id", userID).WithField("reference", reference).Info("send credit refunded")
	return nil
}

// Balance reports the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.CreditBalance(ctx, userID)
}

// Grant adds credits to a user's balance (plan top-ups, admin operations).
func (s *Service) Grant(ctx context.Context, userID string, amount int64) error {
	return s.ledger.GrantCredits(ctx, userID, amount)
}
