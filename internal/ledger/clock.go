package ledger

import (
	"context"
	"errors"
	"time"
)

// DefaultBlockInterval yields 144 heights per day, one fee reference period.
const DefaultBlockInterval = 10 * time.Minute

// BlockClock derives the ledger height from wall time: one height per interval since
// genesis. Times before genesis are height 0.
type BlockClock struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewBlockClock returns a clock anchored at genesis.
func NewBlockClock(genesis time.Time, interval time.Duration) (*BlockClock, error) {
	if interval <= 0 {
		return nil, errors.New("block interval must be positive")
	}
	return &BlockClock{genesis: genesis, interval: interval, now: time.Now}, nil
}

func (c *BlockClock) Height(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / c.interval), nil
}
