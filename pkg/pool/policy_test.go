package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tidepool/pkg/errors"
)

func activity(seq uint64, lastAccess time.Duration, accesses int64, live time.Duration) *Activity {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewActivity(start, live, 0)
	a.LastAccessTime = start.Add(lastAccess)
	a.AccessCount = accesses
	a.seq = seq
	return &a
}

func TestLastAccessTimeRanking(t *testing.T) {
	older := activity(2, time.Second, 10, 0)
	newer := activity(1, 2*time.Second, 0, 0)

	assert.True(t, LastAccessTime.Less(older, newer))
	assert.False(t, LastAccessTime.Less(newer, older))

	first := activity(1, time.Second, 0, 0)
	second := activity(2, time.Second, 0, 0)
	assert.True(t, LastAccessTime.Less(first, second), "ties go to insertion order")
}

func TestAccessCountRanking(t *testing.T) {
	rare := activity(2, 5*time.Second, 1, 0)
	popular := activity(1, time.Second, 9, 0)
	assert.True(t, AccessCount.Less(rare, popular))

	staler := activity(2, time.Second, 3, 0)
	fresher := activity(1, 2*time.Second, 3, 0)
	assert.True(t, AccessCount.Less(staler, fresher), "ties go to last access")
}

func TestExpirationRanking(t *testing.T) {
	soon := activity(3, 0, 0, time.Minute)
	later := activity(1, 0, 0, time.Hour)
	never := activity(2, 0, 0, 0)

	assert.True(t, Expiration.Less(soon, later))
	assert.True(t, Expiration.Less(later, never))
	assert.False(t, Expiration.Less(never, soon))
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []EvictionPolicy{LastAccessTime, AccessCount, Expiration} {
		parsed, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, LastAccessTime, p)

	p, err = ParsePolicy(" Access_Count ")
	require.NoError(t, err)
	assert.Equal(t, AccessCount, p)

	_, err = ParsePolicy("lfu")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPolicyText(t *testing.T) {
	var p EvictionPolicy
	require.NoError(t, p.UnmarshalText([]byte("expiration")))
	assert.Equal(t, Expiration, p)

	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "expiration", string(text))

	_, err = EvictionPolicy(42).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "EvictionPolicy(42)", EvictionPolicy(42).String())
}
