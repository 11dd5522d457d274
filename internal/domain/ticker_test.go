package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicker_NormalisesCase(t *testing.T) {
	tk, err := NewTicker("aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", tk.String())
}

func TestNewTicker_RejectsEmpty(t *testing.T) {
	_, err := NewTicker("   ")
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, KindValidation, kind)
}

func TestNewTicker_RejectsTooLong(t *testing.T) {
	_, err := NewTicker("THISISAWAYTOOLONGTICKERSYMBOL")
	require.Error(t, err)
}

func TestNewTicker_RejectsInvalidCharacters(t *testing.T) {
	_, err := NewTicker("AA PL")
	require.Error(t, err)
}

func TestTicker_JSONRoundTrip(t *testing.T) {
	tk := MustTicker("msft")
	data, err := tk.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"MSFT"`, string(data))

	var decoded Ticker
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, tk, decoded)
}
