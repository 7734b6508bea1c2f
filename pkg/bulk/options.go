package bulk

import (
	"fmt"
	"time"
)

// RetryOptions configures the ResourceThrottleRetry layer (spec.md
// §4.4). PartitionKeyRangeGoneRetry's attempt cap is an internal
// constant (see retry.go) since the spec treats it as a small,
// non-tunable safety bound rather than a public knob.
type RetryOptions struct {
	MaxRetryAttemptsOnThrottledRequests int
	MaxRetryWaitTime                    time.Duration
}

// Options holds every tunable enumerated in spec.md §6. This is a typed
// configuration value, not a configuration loader: no file or
// environment parsing lives here, consistent with CLI/configuration
// being out of scope per spec.md §1 (see SPEC_FULL.md §10.3).
type Options struct {
	MaxServerRequestOperationCount int
	MaxServerRequestBodyLength     int
	DispatchTimer                  time.Duration
	RetryOptions                   RetryOptions

	initialPermits int
	maxPermits     int
	initialAIF     int
}

// Option mutates an Options being built, in the functional-options
// style; NewOptions applies a list of them over DefaultOptions.
type Option func(*Options)

// DefaultOptions returns the engine's default tunables.
func DefaultOptions() Options {
	return Options{
		MaxServerRequestOperationCount: 100,
		MaxServerRequestBodyLength:     220 * 1024,
		DispatchTimer:                  time.Second,
		RetryOptions: RetryOptions{
			MaxRetryAttemptsOnThrottledRequests: 9,
			MaxRetryWaitTime:                    30 * time.Second,
		},
		initialPermits: 5,
		maxPermits:     60,
		initialAIF:     5,
	}
}

// WithMaxOperationCount overrides the per-batch operation count cap.
func WithMaxOperationCount(n int) Option {
	return func(o *Options) { o.MaxServerRequestOperationCount = n }
}

// WithMaxBodyLength overrides the per-batch body byte cap.
func WithMaxBodyLength(n int) Option {
	return func(o *Options) { o.MaxServerRequestBodyLength = n }
}

// WithDispatchTimer overrides how long an operation may wait in a
// non-full buffer before it is flushed.
func WithDispatchTimer(d time.Duration) Option {
	return func(o *Options) { o.DispatchTimer = d }
}

// WithRetryOptions overrides the throttle retry budget.
func WithRetryOptions(r RetryOptions) Option {
	return func(o *Options) { o.RetryOptions = r }
}

// NewOptions builds a validated Options from DefaultOptions plus the
// given overrides.
func NewOptions(opts ...Option) (Options, error) {
	o := DefaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if err := o.validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

func (o Options) validate() error {
	if o.MaxServerRequestOperationCount < 1 {
		return fmt.Errorf("bulk: MaxServerRequestOperationCount must be >= 1, got %d", o.MaxServerRequestOperationCount)
	}
	if o.MaxServerRequestBodyLength < 1 {
		return fmt.Errorf("bulk: MaxServerRequestBodyLength must be >= 1, got %d", o.MaxServerRequestBodyLength)
	}
	if o.DispatchTimer < time.Second {
		return fmt.Errorf("bulk: DispatchTimer must be >= 1s, got %s", o.DispatchTimer)
	}
	if o.RetryOptions.MaxRetryAttemptsOnThrottledRequests < 0 {
		return fmt.Errorf("bulk: MaxRetryAttemptsOnThrottledRequests must be >= 0")
	}
	return nil
}
