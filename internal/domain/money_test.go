package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_ToDecimal(t *testing.T) {
	m := NewMoney(1050, "usd")
	assert.Equal(t, "10.5", m.ToDecimal().String())
	assert.Equal(t, "USD", m.Unit)
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "10.50 USD", NewMoney(1050, "USD").String())
	assert.Equal(t, "250 TOKEN", NewMoney(250, "TOKEN").String())
}

func TestParseMoney(t *testing.T) {
	m, err := ParseMoney("12.34", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), m.Amount)

	m, err = ParseMoney("40", "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, int64(40), m.Amount)

	_, err = ParseMoney("1.5", "TOKEN")
	require.Error(t, err)

	_, err = ParseMoney("abc", "USD")
	require.Error(t, err)
}
