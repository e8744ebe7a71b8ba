package citadel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
)

func TestProve_ConservationHolds_ReturnsUnsat(t *testing.T) {
	c := New()
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "100.00", "b": "50.00"},
		BankBefore:     "10.00",
		BalancesAfter:  map[string]string{"a": "90.00", "b": "60.00"},
		BankAfter:      "10.00",
	}
	v, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	assert.Equal(t, mce.VerdictUnsat, v)
}

func TestProve_ConservationViolated_ReturnsSat(t *testing.T) {
	c := New()
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "100.00"},
		BankBefore:     "0.00",
		BalancesAfter:  map[string]string{"a": "150.00"},
		BankAfter:      "0.00",
	}
	v, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	assert.Equal(t, mce.VerdictSat, v)
}

func TestProve_MintAccountsForDelta(t *testing.T) {
	c := New()
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "10.00"},
		BankBefore:     "0.00",
		BalancesAfter:  map[string]string{"a": "60.00"},
		BankAfter:      "0.00",
		Minted:         "50.00",
	}
	v, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	assert.Equal(t, mce.VerdictUnsat, v)
}

func TestProve_BurnAccountsForDelta(t *testing.T) {
	c := New()
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "50.00"},
		BankBefore:     "0.00",
		BalancesAfter:  map[string]string{"a": "20.00"},
		BankAfter:      "0.00",
		Burned:         "30.00",
	}
	v, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	assert.Equal(t, mce.VerdictUnsat, v)
}

func TestProve_CachesRepeatedTheorem(t *testing.T) {
	c := New()
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "10.00"},
		BankBefore:     "0.00",
		BalancesAfter:  map[string]string{"a": "10.00"},
		BankAfter:      "0.00",
	}
	v1, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	assert.Equal(t, mce.VerdictUnsat, v1)

	v2, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	assert.Equal(t, mce.VerdictUnsat, v2)
}

func TestProve_InvalidBalanceString_ReturnsError(t *testing.T) {
	c := New()
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "not-a-number"},
		BankBefore:     "0",
		BalancesAfter:  map[string]string{"a": "0"},
		BankAfter:      "0",
	}
	_, err := c.Prove(context.Background(), delta)
	assert.Error(t, err)
}

func TestCitadel_InvalidateCache(t *testing.T) {
	c := New(WithCacheSize(4))
	delta := mce.ConservationDelta{
		BalancesBefore: map[string]string{"a": "1"},
		BankBefore:     "0",
		BalancesAfter:  map[string]string{"a": "1"},
		BankAfter:      "0",
	}
	_, err := c.Prove(context.Background(), delta)
	require.NoError(t, err)
	c.InvalidateCache()
	_, err = c.Prove(context.Background(), delta)
	require.NoError(t, err)
}

func TestWithTimeout_Applies(t *testing.T) {
	c := New(WithTimeout(50 * time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, c.timeout)
}
