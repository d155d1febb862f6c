package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client)
}

func TestPushPopFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, _ := json.Marshal(ScanTask{JobID: uuid.New(), Domain: "examplebank.com"})
	second, _ := json.Marshal(ScanTask{JobID: uuid.New(), Domain: "othersite.io"})

	require.NoError(t, q.Push(ctx, Typosquat, first))
	require.NoError(t, q.Push(ctx, Typosquat, second))

	got, err := q.Pop(ctx, Typosquat, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(got))

	got, err = q.Pop(ctx, Typosquat, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, string(second), string(got))
}

func TestPopEmptyTimesOut(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Pop(context.Background(), Leak, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueuesAreIsolated(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload, _ := json.Marshal(ScanTask{JobID: uuid.New(), Domain: "examplebank.com"})
	require.NoError(t, q.Push(ctx, Leak, payload))

	_, err := q.Pop(ctx, Typosquat, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	got, err := q.Pop(ctx, Leak, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))
}
