package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"handoff/pkg/record"
	"handoff/storage"
)

func newTestLocal(t *testing.T, cfg Config) *Local {
	t.Helper()
	l := NewLocal(cfg)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func rec(label record.Label, payload string) record.Record {
	return record.MustNew(label, []int{1}, []byte(payload))
}

func payloads(recs []record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, string(r.Payload()))
	}
	return out
}

func TestLocal_DrainReturnsDepositOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := NewLocal(Config{})
		defer l.Close()

		label := record.Label(rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "label"))
		bodies := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 16), 0, 20).Draw(rt, "payloads")

		ctx := context.Background()
		var want []record.Record
		for i, b := range bodies {
			r := record.MustNew(label, []int{i}, append([]byte{}, b...))
			require.NoError(rt, l.Put(ctx, "", r))
			want = append(want, r)
		}

		got, err := l.Drain(ctx, label)
		require.NoError(rt, err)
		require.Len(rt, got, len(want))
		for i := range want {
			assert.Equal(rt, want[i].Version(), got[i].Version())
			assert.Equal(rt, want[i].Payload(), got[i].Payload())
		}

		again, err := l.Drain(ctx, label)
		require.NoError(rt, err)
		assert.NotNil(rt, again)
		assert.Empty(rt, again)
	})
}

func TestLocal_LabelsAreIndependent(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, "", rec("roleA", "a1")))
	require.NoError(t, l.Put(ctx, "", rec("roleB", "b1")))
	require.NoError(t, l.Put(ctx, "", rec("roleA", "a2")))

	got, err := l.Drain(ctx, "roleA")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, payloads(got))

	got, err = l.Drain(ctx, "roleB")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, payloads(got))
}

func TestLocal_PutRejectsInvalidRecord(t *testing.T) {
	l := newTestLocal(t, Config{})
	err := l.Put(context.Background(), "", record.Record{})
	assert.True(t, record.IsValidation(err))
}

func TestLocal_SubscribeIsIdempotent(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()
	in := NewInbox("consumer", 8)

	require.NoError(t, l.Subscribe(ctx, "roleA", in))
	require.NoError(t, l.Subscribe(ctx, "roleA", in))
	require.NoError(t, l.Put(ctx, "producer", rec("roleA", "X")))

	assert.Len(t, in.C(), 1)
	assert.Equal(t, record.Label("roleA"), <-in.C())

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Subscriptions)
	assert.Equal(t, uint64(1), st.Notified)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Labels)
}

func TestLocal_Unsubscribe(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()
	in := NewInbox("consumer", 8)

	require.NoError(t, l.Subscribe(ctx, "roleA", in))
	require.NoError(t, l.Unsubscribe(ctx, "roleA", in.ID()))
	require.NoError(t, l.Unsubscribe(ctx, "roleA", in.ID()))
	require.NoError(t, l.Unsubscribe(ctx, "never", "nobody"))
	require.NoError(t, l.Put(ctx, "", rec("roleA", "X")))

	assert.Empty(t, in.C())
}

func TestLocal_PutDropsCallersOwnRegistration(t *testing.T) {
	ctx := context.Background()

	t.Run("default", func(t *testing.T) {
		l := newTestLocal(t, Config{})
		producer, consumer := NewInbox("producer", 4), NewInbox("consumer", 4)
		require.NoError(t, l.Subscribe(ctx, "roleA", producer))
		require.NoError(t, l.Subscribe(ctx, "roleA", consumer))

		require.NoError(t, l.Put(ctx, producer.ID(), rec("roleA", "X")))
		assert.Empty(t, producer.C())
		assert.Len(t, consumer.C(), 1)

		st, err := l.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Subscriptions)
	})

	t.Run("kept", func(t *testing.T) {
		l := newTestLocal(t, Config{KeepSubscriberOnPut: true})
		producer := NewInbox("producer", 4)
		require.NoError(t, l.Subscribe(ctx, "roleA", producer))

		require.NoError(t, l.Put(ctx, producer.ID(), rec("roleA", "X")))
		assert.Len(t, producer.C(), 1)
	})
}

func TestLocal_LivenessCleanup(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()
	gone, alive := NewInbox("gone", 4), NewInbox("alive", 4)

	require.NoError(t, l.Subscribe(ctx, "roleA", gone))
	require.NoError(t, l.Subscribe(ctx, "roleB", gone))
	require.NoError(t, l.Subscribe(ctx, "roleA", alive))
	gone.Close()

	require.Eventually(t, func() bool {
		st, err := l.Stats(ctx)
		return err == nil && st.Subscriptions == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Put(ctx, "", rec("roleA", "X")))
	require.NoError(t, l.Put(ctx, "", rec("roleB", "Y")))
	assert.Empty(t, gone.C())
	assert.Len(t, alive.C(), 1)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.LivenessCleanups)
}

func TestLocal_ResubscribeAfterDeathGetsFreshToken(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()

	first := NewInbox("worker", 4)
	require.NoError(t, l.Subscribe(ctx, "roleA", first))
	require.NoError(t, l.Unsubscribe(ctx, "roleA", "worker"))

	second := NewInbox("worker", 4)
	require.NoError(t, l.Subscribe(ctx, "roleA", second))
	first.Close()

	// The old monitor was stopped; the new registration must survive.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Put(ctx, "", rec("roleA", "X")))
	assert.Len(t, second.C(), 1)
}

func TestLocal_ResubscribeReplacesDeadRegistration(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()

	first := NewInbox("worker", 4)
	require.NoError(t, l.Subscribe(ctx, "roleA", first))
	first.Close()

	// The old registration may still be present when the same identity returns.
	second := NewInbox("worker", 4)
	require.NoError(t, l.Subscribe(ctx, "roleA", second))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Put(ctx, "", rec("roleA", "X")))
	assert.Len(t, second.C(), 1)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Subscriptions)
	assert.Equal(t, uint64(1), st.LivenessCleanups)
}

func TestLocal_FullInboxCoalesces(t *testing.T) {
	l := newTestLocal(t, Config{})
	ctx := context.Background()
	in := NewInbox("slow", 1)
	require.NoError(t, l.Subscribe(ctx, "roleA", in))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Put(ctx, "", rec("roleA", fmt.Sprint(i))))
	}
	assert.Len(t, in.C(), 1)
	assert.Equal(t, uint64(2), in.Dropped())

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Notified)
	assert.Equal(t, uint64(2), st.Dropped)
}

func TestLocal_ConcurrentPutsAreSerialized(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := NewLocal(Config{})
		defer l.Close()

		writers := rapid.IntRange(1, 8).Draw(rt, "writers")
		perWriter := rapid.IntRange(1, 25).Draw(rt, "perWriter")

		errs := make(chan error, writers*perWriter)
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				h := NewHandle(l, NewInbox(fmt.Sprintf("w%d", w), 1))
				for i := 0; i < perWriter; i++ {
					r := record.MustNew("roleA", []int{w, i}, []byte(fmt.Sprintf("%d-%d", w, i)))
					errs <- h.Initiate("roleA", r, 0)
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(rt, err)
		}

		got, err := l.Drain(context.Background(), "roleA")
		require.NoError(rt, err)
		require.Len(rt, got, writers*perWriter)

		next := make([]int, writers)
		seen := make(map[string]bool)
		for _, r := range got {
			v := r.Version()
			w, i := v[0], v[1]
			assert.Equal(rt, fmt.Sprintf("%d-%d", w, i), string(r.Payload()))
			assert.False(rt, seen[string(r.Payload())], "duplicate %s", r.Payload())
			seen[string(r.Payload())] = true
			assert.Equal(rt, next[w], i, "writer %d out of order", w)
			next[w] = i + 1
		}
	})
}

// blockingQueue stalls Push until released.
type blockingQueue struct {
	storage.Queue
	release chan struct{}
}

func (q *blockingQueue) Push(ctx context.Context, label record.Label, e storage.Entry) error {
	<-q.release
	return q.Queue.Push(ctx, label, e)
}

func TestLocal_TimeoutLeavesOutcomeUnknown(t *testing.T) {
	q := &blockingQueue{Queue: storage.NewMemoryQueue(), release: make(chan struct{})}
	l := newTestLocal(t, Config{Store: q})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Put(ctx, "", rec("roleA", "X"))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	close(q.release)
	got, err := l.Drain(context.Background(), "roleA")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, payloads(got), "timed out put still took effect")
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestLocal_RecordTTLExpiresUnclaimed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newTestLocal(t, Config{RecordTTL: time.Minute, SweepInterval: 5 * time.Millisecond, Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, "", rec("roleA", "old")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, l.Put(ctx, "", rec("roleA", "new")))

	require.Eventually(t, func() bool {
		st, err := l.Stats(ctx)
		return err == nil && st.Expired == 1
	}, time.Second, 5*time.Millisecond)

	got, err := l.Drain(ctx, "roleA")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, payloads(got))
}

func TestLocal_Closed(t *testing.T) {
	l := NewLocal(Config{})
	in := NewInbox("", 1)
	require.NoError(t, l.Subscribe(context.Background(), "roleA", in))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err := l.Put(context.Background(), "", rec("roleA", "X"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Drain(context.Background(), "roleA")
	assert.ErrorIs(t, err, ErrClosed)
}
