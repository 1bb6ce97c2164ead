package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))

	value, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestMemory_ExpiredEntryIsAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_SetNX(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live entry must not be overwritten")

	value, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("a"), value)
}

func TestMemory_SetNXReclaimsExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", []byte("a"), 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = m.SetNX(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired entry counts as absent")
}

func TestMemory_CompareAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("owner"), 0))

	deleted, err := m.CompareAndDelete(ctx, "k", []byte("other"))
	require.NoError(t, err)
	assert.False(t, deleted, "mismatched value must not delete")

	deleted, err = m.CompareAndDelete(ctx, "k", []byte("owner"))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.CompareAndDelete(ctx, "k", []byte("owner"))
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")
}

func TestMemory_CompareAndExpire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("owner"), 20*time.Millisecond))

	ok, err := m.CompareAndExpire(ctx, "k", []byte("other"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndExpire(ctx, "k", []byte("owner"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found, "renewed entry must outlive its original expiry")
}

func TestMemory_SweepExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "live", []byte("v"), time.Minute))
	require.NoError(t, m.Set(ctx, "dead1", []byte("v"), 5*time.Millisecond))
	require.NoError(t, m.Set(ctx, "dead2", []byte("v"), 5*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	swept, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	_, found, err := m.Get(ctx, "live")
	require.NoError(t, err)
	assert.True(t, found)
}
