package payment

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	cases := map[string]string{
		"0.002":                "2000000000000000",
		"0.002 ETH":            "2000000000000000",
		"1eth":                 "1000000000000000000",
		" 1.5 Eth ":            "1500000000000000000",
		"0.000000000000000001": "1",
	}
	for input, want := range cases {
		wei, err := ParseEther(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, wei.String(), input)
	}
}

func TestParseEtherRejects(t *testing.T) {
	for _, input := range []string{"", "ETH", "-1", "0", "1e3", "0.0000000000000000001", "abc", "1,5"} {
		_, err := ParseEther(input)
		assert.Error(t, err, input)
	}
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.002", FormatEther(big.NewInt(2_000_000_000_000_000)))
	assert.Equal(t, "1", FormatEther(new(big.Int).Set(weiPerEther)))
	assert.Equal(t, "0", FormatEther(nil))
}
