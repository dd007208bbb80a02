package events

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/repo/repotest"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	sent   []uint64
	failOn uint64
}

func (f *fakePublisher) Publish(_ context.Context, evt model.OutboxEvent) error {
	if evt.ID == f.failOn {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, evt.ID)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestRelay_PublishesInOrderAndStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	db := repotest.Open(t)
	r := repo.NewRepository(db, log)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.CreateOutboxEvent(ctx, db, &model.OutboxEvent{
			Aggregate: "Account", AggregateID: "A", EventType: model.EventCreditCreated, Payload: "{}",
		}))
	}

	m := metrics.New(prometheus.NewRegistry())
	pub := &fakePublisher{failOn: 3}
	relay := NewRelay(r, pub, shard.NewStatic(0, 1), 10, m, log)

	assert.Error(t, relay.Pass(ctx))
	assert.Equal(t, []uint64{1, 2}, pub.sent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("error")))

	left, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, uint64(3), left[0].ID)

	pub.failOn = 0
	require.NoError(t, relay.Pass(ctx))
	assert.Equal(t, []uint64{1, 2, 3, 4}, pub.sent)
	left, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRelay_OnlyIndexZeroPublishes(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	db := repotest.Open(t)
	r := repo.NewRepository(db, log)
	require.NoError(t, r.CreateOutboxEvent(ctx, db, &model.OutboxEvent{
		Aggregate: "Account", AggregateID: "A", EventType: model.EventCreditCreated, Payload: "{}",
	}))

	mem := shard.NewStatic(1, 2)
	pub := &fakePublisher{}
	relay := NewRelay(r, pub, mem, 10, metrics.New(prometheus.NewRegistry()), log)

	require.NoError(t, relay.Pass(ctx))
	assert.Empty(t, pub.sent)

	// membership changed: this worker is index 0 now
	mem.Set(0, 2)
	require.NoError(t, relay.Pass(ctx))
	assert.Equal(t, []uint64{1}, pub.sent)
}
