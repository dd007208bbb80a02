package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	iss, err := NewIssuer("secret", "ledger", time.Hour)
	require.NoError(t, err)

	tok, err := iss.Issue(Claims{AccountID: "acc-1", Admin: true, MaxConcurrentWithdrawals: 3, MaxConcurrentDebits: 7})
	require.NoError(t, err)

	c, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", c.AccountID)
	assert.Equal(t, "acc-1", c.Subject)
	assert.True(t, c.Admin)
	assert.Equal(t, 3, c.MaxConcurrentWithdrawals)
	assert.Equal(t, 7, c.MaxConcurrentDebits)
}

func TestIssuer_Rejects(t *testing.T) {
	iss, _ := NewIssuer("secret", "ledger", time.Minute)
	tok, err := iss.Issue(Claims{AccountID: "acc-1"})
	require.NoError(t, err)

	other, _ := NewIssuer("other", "ledger", time.Minute)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewIssuer("", "ledger", time.Minute)
	assert.Error(t, err)
}
