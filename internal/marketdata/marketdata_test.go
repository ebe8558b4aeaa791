package marketdata

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSetAndGetLastPrice(t *testing.T) {
	c := NewCache()
	_, ok := c.GetLastPrice("ES")
	assert.False(t, ok)

	c.Set("ES", decimal.NewFromFloat(4500.25))
	got, ok := c.GetLastPrice("ES")
	assert.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromFloat(4500.25)))
}

func TestConcurrentSetAcrossShardsIsSafe(t *testing.T) {
	c := NewCache()
	tickers := []string{"ES", "NQ", "MES", "MNQ", "RTY", "YM", "CL", "GC"}

	var wg sync.WaitGroup
	for i, ticker := range tickers {
		wg.Add(1)
		go func(t string, price float64) {
			defer wg.Done()
			c.Set(t, decimal.NewFromFloat(price))
		}(ticker, float64(i))
	}
	wg.Wait()

	for i, ticker := range tickers {
		got, ok := c.GetLastPrice(ticker)
		assert.True(t, ok)
		assert.True(t, got.Equal(decimal.NewFromFloat(float64(i))))
	}
}
