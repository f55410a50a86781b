package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNextFollowsForwardOrder(t *testing.T) {
	s := StatusPending
	var seen []Status
	for {
		next, ok := s.Next()
		if !ok {
			break
		}
		seen = append(seen, next)
		s = next
	}
	require.Equal(t, StatusCompleted, s)
	assert.Len(t, seen, 8)
	assert.Equal(t, StatusAccepted, seen[0])
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusDroppingOff.Terminal())
	_, ok := StatusCancelled.Next()
	assert.False(t, ok)
}

func TestParseStatusRejectsUnknown(t *testing.T) {
	_, err := ParseStatus("teleported")
	require.Error(t, err)
	st, err := ParseStatus("on_the_way")
	require.NoError(t, err)
	assert.Equal(t, StatusOnTheWay, st)
	assert.Greater(t, StatusOnTheWay.Rank(), StatusAccepted.Rank())
}

func TestEnvelopeRoundTripKeepsType(t *testing.T) {
	env, err := NewEnvelope(TypeAcceptRequest, AcceptPayload{RequestID: "r1", Driver: DriverSummary{ID: "d1"}})
	require.NoError(t, err)
	var p AcceptPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "r1", p.RequestID)

	_, err = ParseEnvelope([]byte(`{"data":{}}`))
	assert.Error(t, err)
}
