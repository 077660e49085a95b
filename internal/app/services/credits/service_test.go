package credits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsend/engine/internal/app/domain/billing"
	"github.com/flowsend/engine/internal/app/storage/memory"
	"github.com/flowsend/engine/pkg/logger"
)

func TestDebitAndRefundRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), logger.NewNop())

	require.NoError(t, svc.Grant(ctx, "user-1", 3))

	ref := SendReference("wf-1", "ct-1", 0, time.Unix(1700000000, 0))
	require.NoError(t, svc.DebitSend(ctx, "user-1", ref))

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	// Replaying the same reference must not double-charge.
	require.NoError(t, svc.DebitSend(ctx, "user-1", ref))
	balance, err = svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	require.NoError(t, svc.RefundSend(ctx, "user-1", ref))
	balance, err = svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	// A replayed refund is also a no-op.
	require.NoError(t, svc.RefundSend(ctx, "user-1", ref))
	balance, err = svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestDebitDeclinedOnEmptyBalance(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), logger.NewNop())

	ref := SendReference("wf-1", "ct-1", 0, time.Unix(1700000000, 0))
	err := svc.DebitSend(ctx, "user-1", ref)
	require.ErrorIs(t, err, billing.ErrInsufficientCredits)

	// The declined reference stays unconsumed; a later attempt with funds
	// succeeds under the same reference.
	require.NoError(t, svc.Grant(ctx, "user-1", 1))
	require.NoError(t, svc.DebitSend(ctx, "user-1", ref))

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestSendReferenceDistinguishesAttempts(t *testing.T) {
	base := time.Unix(1700000000, 0)
	first := SendReference("wf-1", "ct-1", 2, base)
	retry := SendReference("wf-1", "ct-1", 2, base.Add(15*time.Minute))
	assert.NotEqual(t, first, retry)
	assert.Equal(t, first, SendReference("wf-1", "ct-1", 2, base))
}
