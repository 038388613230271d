package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/chat-gateway/internal/conversation"
	"github.com/compresr/chat-gateway/internal/kvstore"
)

func contents(entries []conversation.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestStore_EvictsOldestBeyondMax(t *testing.T) {
	ctx := context.Background()
	store := conversation.New(kvstore.NewMemoryStore(), 3, time.Hour)

	for _, msg := range []string{"A", "B", "C", "D"} {
		require.NoError(t, store.Append(ctx, "u1", conversation.UserEntry(msg)))
	}

	history, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "D"}, contents(history))
}

func TestStore_AppendPairKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := conversation.New(kvstore.NewMemoryStore(), 4, time.Hour)

	require.NoError(t, store.Append(ctx, "u1",
		conversation.UserEntry("hi"), conversation.AssistantEntry("hello")))
	require.NoError(t, store.Append(ctx, "u1",
		conversation.UserEntry("how are you"), conversation.AssistantEntry("fine")))
	require.NoError(t, store.Append(ctx, "u1",
		conversation.UserEntry("bye"), conversation.AssistantEntry("ciao")))

	history, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"how are you", "fine", "bye", "ciao"}, contents(history))
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
}

func TestStore_ExpiredSessionIsDiscarded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := conversation.New(kvstore.NewMemoryStore(), 10, 30*time.Minute, conversation.WithClock(clock))

	require.NoError(t, store.Append(ctx, "u1", conversation.UserEntry("old")))

	now = now.Add(30 * time.Minute)
	history, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "exactly max age idle is still live")

	now = now.Add(31 * time.Minute)
	history, err = store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, store.Append(ctx, "u1", conversation.UserEntry("new")))
	history, err = store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, contents(history), "next append starts a fresh session")
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := conversation.New(kvstore.NewMemoryStore(), 10, time.Hour)

	require.NoError(t, store.Append(ctx, "u1", conversation.UserEntry("x")))
	require.NoError(t, store.Append(ctx, "u2", conversation.UserEntry("y")))
	require.NoError(t, store.Reset(ctx, "u1"))

	h1, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, h1)

	h2, err := store.GetContext(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, h2, 1, "reset is per user")
}

func TestStore_BuildContextPrependsPersona(t *testing.T) {
	ctx := context.Background()
	store := conversation.New(kvstore.NewMemoryStore(), 10, time.Hour)
	require.NoError(t, store.Append(ctx, "u1", conversation.UserEntry("q"), conversation.AssistantEntry("a")))

	entries, err := store.BuildContext(ctx, "u1", "You are terse.")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, conversation.RoleSystem, entries[0].Role)
	assert.Equal(t, "You are terse.", entries[0].Content)

	history, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "persona is never stored")
}

func TestStore_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := conversation.New(kvstore.NewMemoryStore(), 10, time.Hour)
	require.NoError(t, store.Append(ctx, "u1", conversation.UserEntry("orig")))

	history, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	history[0].Content = "mutated"

	again, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "orig", again[0].Content)
}

func TestStore_ConcurrentAppendsSameUser(t *testing.T) {
	ctx := context.Background()
	store := conversation.New(kvstore.NewMemoryStore(), 1000, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, "u1", conversation.UserEntry(fmt.Sprintf("m%d", i))))
		}(i)
	}
	wg.Wait()

	history, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 100, "no append may be lost")
}

type brokenKV struct{ kvstore.Store }

func (brokenKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestStore_KVFailureIsStoreUnavailable(t *testing.T) {
	store := conversation.New(brokenKV{kvstore.NewMemoryStore()}, 10, time.Hour)

	_, err := store.GetContext(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, conversation.ErrStoreUnavailable))
}
