package orders

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarcodeGenerator_Format(t *testing.T) {
	g := NewBarcodeGeneratorWithSource(rand.NewSource(42))
	at := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)

	code := g.Generate(17, at)
	assert.Regexp(t, `^1705032026[0-9]{6}$`, code)

	info, err := DecodeBarcode(code)
	require.NoError(t, err)
	assert.Equal(t, int64(17), info.Base)
	assert.Equal(t, 2026, info.Date.Year())
	assert.Equal(t, time.March, info.Date.Month())
	assert.Equal(t, 5, info.Date.Day())
	assert.Len(t, info.Suffix, 6)
}

func TestBarcodeGenerator_SuffixVaries(t *testing.T) {
	g := NewBarcodeGeneratorWithSource(rand.NewSource(1))
	at := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		seen[g.Generate(1, at)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestDecodeBarcode_Rejects(t *testing.T) {
	for _, code := range []string{"", "abc", "1234", "0" + "18102026" + "123456", "1" + "32132026" + "123456"} {
		_, err := DecodeBarcode(code)
		assert.Error(t, err, code)
	}
}
