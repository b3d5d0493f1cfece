package governance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRequestTimeout is returned when a request exceeds its timeout.
var ErrRequestTimeout = errors.New("request timeout exceeded")

// TimeoutConfig defines timeout behavior for requests.
type TimeoutConfig struct {
	// RequestTimeout bounds a whole pipeline execution. Zero disables it.
	RequestTimeout time.Duration
}

// DefaultTimeoutConfig returns the default request timeout.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{RequestTimeout: 30 * time.Second}
}

// TimeoutManager applies request deadlines.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	if config.RequestTimeout < 0 {
		config.RequestTimeout = 0
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// WithRequestTimeout derives a context bounded by override when positive,
// otherwise by the configured request timeout.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context, override time.Duration) (context.Context, context.CancelFunc) {
	timeout := tm.config.RequestTimeout
	if override > 0 {
		timeout = override
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout))
}

// TimeoutError converts err into ErrRequestTimeout when ctx hit its
// deadline. Other errors are returned unchanged.
func TimeoutError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if cause := context.Cause(ctx); errors.Is(cause, ErrRequestTimeout) {
			return fmt.Errorf("%w: %w", cause, err)
		}
		return fmt.Errorf("%w: %w", ErrRequestTimeout, err)
	}
	return err
}
