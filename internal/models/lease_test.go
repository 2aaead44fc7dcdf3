package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to LeaseStatus
		ok       bool
	}{
		{LeaseWaiting, LeaseReady, true},
		{LeaseWaiting, LeaseCodeReceived, true},
		{LeaseReady, LeaseCancelled, true},
		{LeaseRetry, LeaseCancelled, true},
		{LeaseCodeReceived, LeaseCompleted, true},
		{LeaseCodeReceived, LeaseCancelled, false},
		{LeaseCompleted, LeaseCancelled, false},
		{LeaseCancelled, LeaseWaiting, false},
		{LeaseWaiting, LeaseCompleted, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestLeaseStatusPredicates(t *testing.T) {
	assert.True(t, LeaseCompleted.Terminal())
	assert.True(t, LeaseCancelled.Terminal())
	assert.False(t, LeaseRetry.Terminal())

	for _, s := range CancellableLeaseStatuses {
		assert.True(t, s.Cancellable())
	}
	assert.False(t, LeaseCodeReceived.Cancellable())
}

func TestLeasePayloadRoundTripThroughScanner(t *testing.T) {
	in := LeasePayload{Phone: "79001234567", Code: "4431"}
	v, err := in.Value()
	require.NoError(t, err)

	var out LeasePayload
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	var empty LeasePayload
	require.NoError(t, empty.Scan(nil))
	assert.Equal(t, LeasePayload{}, empty)
	assert.Error(t, empty.Scan(42))
}
