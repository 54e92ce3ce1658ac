package computed

import (
	"errors"
	"fmt"
)

// Sentinels matched by CacheError.Unwrap, for use with errors.Is.
var (
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrInvalidateComputing = errors.New("invalidate computing entry")
	ErrComputationPanic    = errors.New("computation panicked")
)

// CacheErrorCode categorizes cache errors.
type CacheErrorCode string

const (
	// ErrCodeCyclicDependency indicates a read would close a dependency
	// cycle, including a computation reading its own key.
	ErrCodeCyclicDependency CacheErrorCode = "CYCLIC_DEPENDENCY"

	// ErrCodeInvalidateComputing indicates a strict invalidation targeted
	// an entry that is still being computed.
	ErrCodeInvalidateComputing CacheErrorCode = "INVALIDATE_COMPUTING"

	// ErrCodeComputationPanic indicates the compute function panicked.
	// The panic is memoized like any other error.
	ErrCodeComputationPanic CacheErrorCode = "COMPUTATION_PANIC"
)

// CacheError is returned for defects detected by the cache.
type CacheError struct {
	Code    CacheErrorCode
	Message string

	// Key is the entry the error is about.
	Key Key

	// Reader is the computation that attempted the read, for cycle errors.
	Reader Key
}

func (e *CacheError) Error() string {
	if !e.Reader.IsZero() {
		return fmt.Sprintf("%s: %s (key=%s, reader=%s)", e.Code, e.Message, e.Key, e.Reader)
	}
	return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
}

func (e *CacheError) Unwrap() error {
	switch e.Code {
	case ErrCodeCyclicDependency:
		return ErrCyclicDependency
	case ErrCodeInvalidateComputing:
		return ErrInvalidateComputing
	case ErrCodeComputationPanic:
		return ErrComputationPanic
	}
	return nil
}

// IsCycleError reports whether err is a cyclic dependency error.
func IsCycleError(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeCyclicDependency
	}
	return false
}

// IsPanicError reports whether err is a memoized panic.
func IsPanicError(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeComputationPanic
	}
	return false
}
