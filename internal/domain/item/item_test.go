package item

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state     State
		consensus bool
		approved  bool
		pending   bool
		positive  bool
	}{
		{StateUndefined, false, false, false, false},
		{StatePending, false, false, true, false},
		{StatePendingPositive, false, false, true, true},
		{StatePendingNegative, false, false, true, false},
		{StateApproved, true, true, false, true},
		{StateLocked, true, true, false, true},
		{StateRevoked, true, false, false, false},
		{StateDeclined, true, false, false, false},
		{StateDiscarded, false, false, false, false},
		{StateLockedForCreation, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.consensus, tt.state.ConsensusFound())
			assert.Equal(t, tt.approved, tt.state.IsApproved())
			assert.Equal(t, tt.pending, tt.state.IsPending())
			assert.Equal(t, tt.positive, tt.state.IsPositive())
		})
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("LOCKED_FOR_CREATION")
	require.NoError(t, err)
	assert.Equal(t, StateLockedForCreation, s)

	_, err = ParseState("locked")
	assert.Error(t, err)
}

func TestHashIDTextRoundTrip(t *testing.T) {
	id := HashOf([]byte("hello"))
	parsed, err := ParseHashID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.False(t, id.IsZero())
	assert.True(t, HashID{}.IsZero())

	_, err = ParseHashID("not-a-hash")
	assert.ErrorIs(t, err, ErrInvalidHashID)
}

func TestItemIDSurvivesWireEncoding(t *testing.T) {
	child := NewContract(map[string]any{"amount": 5})
	it := NewContract(map[string]any{"amount": 10, "owner": map[string]any{"name": "alice"}}).
		WithCondition("amount > 5 && [owner.name] == 'alice'").
		AddReferences(HashOf([]byte("ref"))).
		AddRevoking(HashOf([]byte("old"))).
		AddNewItems(child)

	data, err := it.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, it.ID(), decoded.ID())
	assert.Equal(t, it.Revoking(), decoded.Revoking())
	require.Len(t, decoded.NewItems(), 1)
	assert.Equal(t, child.ID(), decoded.NewItems()[0].ID())
}

func TestItemIDsDifferByNonce(t *testing.T) {
	a := NewContract(map[string]any{"v": 1})
	b := NewContract(map[string]any{"v": 1})
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestContractCheck(t *testing.T) {
	t.Run("empty condition passes", func(t *testing.T) {
		it := NewContract(nil)
		assert.True(t, it.Check())
		assert.Empty(t, it.Errors())
	})

	t.Run("false literal fails", func(t *testing.T) {
		it := NewContract(nil).WithCondition("false")
		assert.False(t, it.Check())
		require.Len(t, it.Errors(), 1)
		assert.Equal(t, ErrBadValue, it.Errors()[0].Code)
	})

	t.Run("expression over payload", func(t *testing.T) {
		ok := NewContract(map[string]any{"amount": 10.0}).WithCondition("amount >= 10")
		bad := NewContract(map[string]any{"amount": 3.0}).WithCondition("amount >= 10")
		assert.True(t, ok.Check())
		assert.False(t, bad.Check())
	})

	t.Run("nested payload keys are flattened", func(t *testing.T) {
		it := NewContract(map[string]any{"owner": map[string]any{"role": "issuer"}}).
			WithCondition("[owner.role] == 'issuer'")
		assert.True(t, it.Check())
	})

	t.Run("invalid expression is reported", func(t *testing.T) {
		it := NewContract(nil).WithCondition("amount >")
		assert.False(t, it.Check())
		assert.NotEmpty(t, it.Errors())
	})

	t.Run("expired contract fails", func(t *testing.T) {
		it := NewContract(nil)
		past := time.Now().Add(-time.Minute)
		it.Contract.ExpiresAt = &past
		assert.False(t, it.Check())
		assert.Equal(t, ErrExpired, it.Errors()[0].Code)
	})

	t.Run("check clears previous errors", func(t *testing.T) {
		it := NewContract(nil)
		it.AddError(ErrBadRef, "x", "stale")
		assert.True(t, it.Check())
		assert.Empty(t, it.Errors())
	})
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"PARCEL"}`))
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = Decode([]byte(`{"kind":"CONTRACT"}`))
	assert.Error(t, err)
}

func TestResultJSON(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res := Result{State: StateApproved, HaveCopy: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"APPROVED","haveCopy":true,"createdAt":"2026-01-01T00:00:00Z","expiresAt":"2026-01-01T01:00:00Z"}`, string(data))

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, res.Equal(back))
}
