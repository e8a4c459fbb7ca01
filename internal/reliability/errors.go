package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
)

// Category classifies a terminal failure so callers can decide whether to
// alert, drop or escalate.
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryConnectivity covers unreachable nodes and dropped connections
	CategoryConnectivity
	// CategoryChannelProtocol covers precondition and argument mismatches
	CategoryChannelProtocol
	// CategoryProcessing covers handler failures
	CategoryProcessing
	// CategoryPoisonMessage covers payloads that can never be processed
	CategoryPoisonMessage
	// CategoryConfiguration covers missing or invalid settings
	CategoryConfiguration
)

func (c Category) String() string {
	switch c {
	case CategoryConnectivity:
		return "connectivity"
	case CategoryChannelProtocol:
		return "channel-protocol"
	case CategoryProcessing:
		return "processing"
	case CategoryPoisonMessage:
		return "poison-message"
	case CategoryConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Categorized is implemented by errors that know their category.
type Categorized interface {
	Category() Category
}

// CategoryOf returns the category of the first categorized error in err's chain.
func CategoryOf(err error) Category {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryUnknown
}

// RetryError is returned when a retried operation gives up
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Reason      error // ErrMaxRetriesExceeded or the context error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v (%v): %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.Reason, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{e.LastError, e.Reason}
}

// Category reports the category of the last underlying error
func (e *RetryError) Category() Category {
	return CategoryOf(e.LastError)
}

// NonRetryable marks err so that a Retrier stops immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNonRetryable, err)
}

// IsRetryable is the default predicate used by the broker components:
// everything is retried unless explicitly marked non-retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNonRetryable) && !errors.Is(err, ErrMaxRetriesExceeded)
}
