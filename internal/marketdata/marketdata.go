// Package marketdata is the engine's last-price cache, used as a fallback
// source when a webhook signal arrives without a price (§4.3 price
// fallback chain). Sharded by ticker hash to keep writes from one symbol's
// tick stream from contending with reads for another, the way the teacher
// shards its orderbook/price maps per market.
package marketdata

import (
	"hash/fnv"
	"sync"

	"github.com/shopspring/decimal"
)

const shardCount = 16

type shard struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// Cache is a concurrent last-price store keyed by ticker symbol.
type Cache struct {
	shards [shardCount]*shard
}

func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{prices: make(map[string]decimal.Decimal)}
	}
	return c
}

func (c *Cache) shardFor(ticker string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticker))
	return c.shards[h.Sum32()%shardCount]
}

// Set records the latest traded/quoted price for ticker.
func (c *Cache) Set(ticker string, price decimal.Decimal) {
	s := c.shardFor(ticker)
	s.mu.Lock()
	s.prices[ticker] = price
	s.mu.Unlock()
}

// GetLastPrice returns the cached price and whether one was found — the
// second fallback link after a webhook's own price field (§4.3).
func (c *Cache) GetLastPrice(ticker string) (decimal.Decimal, bool) {
	s := c.shardFor(ticker)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[ticker]
	return p, ok
}
