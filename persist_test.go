package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetPutDelete(t *testing.T) {
	m := NewMemoryStore()

	_, _, _, ok := m.Get("missing")
	assert.False(t, ok)

	now := time.Now()
	require.NoError(t, m.Put("k", []byte("hello"), now, time.Minute))

	data, storedAt, ttl, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)
	assert.True(t, storedAt.Equal(now))
	assert.Equal(t, time.Minute, ttl)

	require.NoError(t, m.Delete("k"))
	_, _, _, ok = m.Get("k")
	assert.False(t, ok)
}

func TestMemoryStorePutCopiesData(t *testing.T) {
	m := NewMemoryStore()
	buf := []byte("original")
	require.NoError(t, m.Put("k", buf, time.Now(), 0))
	buf[0] = 'X'

	data, _, _, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), data, "Put must not alias the caller's slice")
}

func TestLoadPersistedWithoutStoreReturnsNotFound(t *testing.T) {
	c := ResetCircuit()
	_, ok := c.loadPersisted("anything")
	assert.False(t, ok)
}

func TestLoadPersistedRoundTrip(t *testing.T) {
	c := ResetCircuit()
	c.SetPersistenceStore(NewMemoryStore())

	c.savePersisted("block", []byte("state"), time.Minute)
	data, ok := c.loadPersisted("block")
	require.True(t, ok)
	assert.Equal(t, []byte("state"), data)
}

func TestLoadPersistedExpiresPastTTL(t *testing.T) {
	c := ResetCircuit()
	store := NewMemoryStore()
	c.SetPersistenceStore(store)

	require.NoError(t, store.Put("block", []byte("stale"), time.Now().Add(-time.Hour), time.Minute))
	_, ok := c.loadPersisted("block")
	assert.False(t, ok, "a record older than its TTL must be treated as absent")
}

func TestLoadPersistedZeroTTLNeverExpires(t *testing.T) {
	c := ResetCircuit()
	store := NewMemoryStore()
	c.SetPersistenceStore(store)

	require.NoError(t, store.Put("block", []byte("forever"), time.Now().Add(-365*24*time.Hour), 0))
	data, ok := c.loadPersisted("block")
	require.True(t, ok)
	assert.Equal(t, []byte("forever"), data)
}

func TestLoadPersistedFutureStoredAtIsNotExpired(t *testing.T) {
	c := ResetCircuit()
	store := NewMemoryStore()
	c.SetPersistenceStore(store)

	require.NoError(t, store.Put("block", []byte("skewed"), time.Now().Add(time.Hour), time.Minute))
	data, ok := c.loadPersisted("block")
	require.True(t, ok, "a stored time in the future is a clock skew, not an expiry")
	assert.Equal(t, []byte("skewed"), data)
}
