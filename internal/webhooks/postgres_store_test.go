package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhero/accesscore/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	exerciseEventStore(t, NewPostgresStore(db))
}

func TestPostgresUnitOfWork_RollsBackFinish(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC()

	_, owned, err := store.Claim(ctx, &Event{ID: "evt_tx", Type: TypeCustomerDeleted, Payload: []byte(`{}`), ReceivedAt: now, ClaimedAt: now}, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, owned)

	boom := errors.New("boom")
	err = NewPostgresUnitOfWork(db).Do(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Events.Finish(ctx, "evt_tx", OutcomeApplied, "", "", now))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ev, err := store.Get(ctx, "evt_tx")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, ev.Outcome)
}
