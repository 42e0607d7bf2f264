package peer

import (
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
)

// Config tunes a Manager. When MaxRetries, RetryDelay and
// NegotiationTimeout are all zero the retry settings of DefaultConfig apply;
// otherwise only the zero durations are defaulted.
type Config struct {
	MaxRetries         int
	RetryDelay         time.Duration
	NegotiationTimeout time.Duration
	Transfer           transfer.Config
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         2 * time.Second,
		NegotiationTimeout: 30 * time.Second,
		Transfer:           transfer.DefaultConfig(),
	}
}
