package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/pkg/record"
)

func backends(t *testing.T) map[string]Queue {
	t.Helper()
	bq, err := NewBadgerQueue()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bq.Close() })
	return map[string]Queue{
		BackendMemory: NewMemoryQueue(),
		BackendBadger: bq,
	}
}

func entry(label record.Label, payload string, at time.Time) Entry {
	return Entry{Record: record.MustNew(label, []int{1}, []byte(payload)), DepositedAt: at}
}

func payloads(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Record.Payload()))
	}
	return out
}

func TestQueue_PushDrainFIFO(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, q.Push(ctx, "roleA", entry("roleA", fmt.Sprint(i), now)))
			}
			require.NoError(t, q.Push(ctx, "roleB", entry("roleB", "b", now)))

			n, err := q.Len(ctx, "roleA")
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			got, err := q.Drain(ctx, "roleA")
			require.NoError(t, err)
			assert.Equal(t, []string{"0", "1", "2", "3", "4"}, payloads(got))

			got, err = q.Drain(ctx, "roleA")
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)

			got, err = q.Drain(ctx, "roleB")
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, payloads(got))
		})
	}
}

func TestQueue_PushFrontKeepsBatchAheadOfLocal(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Push(ctx, "roleA", entry("roleA", "local-1", now)))
			require.NoError(t, q.Push(ctx, "roleA", entry("roleA", "local-2", now)))
			require.NoError(t, q.PushFront(ctx, "roleA", []Entry{
				entry("roleA", "remote-1", now),
				entry("roleA", "remote-2", now),
			}))
			require.NoError(t, q.PushFront(ctx, "roleA", []Entry{entry("roleA", "remote-0", now)}))
			require.NoError(t, q.Push(ctx, "roleA", entry("roleA", "local-3", now)))

			got, err := q.Drain(ctx, "roleA")
			require.NoError(t, err)
			assert.Equal(t, []string{"remote-0", "remote-1", "remote-2", "local-1", "local-2", "local-3"}, payloads(got))
		})
	}
}

func TestQueue_Labels(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Push(ctx, "b", entry("b", "1", now)))
			require.NoError(t, q.Push(ctx, "a", entry("a", "1", now)))
			require.NoError(t, q.Push(ctx, "ab", entry("ab", "1", now)))

			labels, err := q.Labels(ctx)
			require.NoError(t, err)
			assert.Equal(t, []record.Label{"a", "ab", "b"}, labels)

			_, err = q.Drain(ctx, "a")
			require.NoError(t, err)
			labels, err = q.Labels(ctx)
			require.NoError(t, err)
			assert.Equal(t, []record.Label{"ab", "b"}, labels)
		})
	}
}

func TestQueue_Expire(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Push(ctx, "roleA", entry("roleA", "old", old)))
			require.NoError(t, q.Push(ctx, "roleA", entry("roleA", "new", fresh)))
			require.NoError(t, q.Push(ctx, "roleB", entry("roleB", "old", old)))

			removed, err := q.Expire(ctx, time.Now().Add(-time.Minute))
			require.NoError(t, err)
			assert.Equal(t, map[record.Label]int{"roleA": 1, "roleB": 1}, removed)

			got, err := q.Drain(ctx, "roleA")
			require.NoError(t, err)
			assert.Equal(t, []string{"new"}, payloads(got))

			n, err := q.Len(ctx, "roleB")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestOpen(t *testing.T) {
	q, err := Open("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = Open("bolt")
	assert.Error(t, err)
}
