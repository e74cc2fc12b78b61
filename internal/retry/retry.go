// Package retry implements the Retry Policy of section 4.B of the design
// specification: classification of transport/logical failures as
// retryable or fatal, bounded retries with a fixed short backoff.
//
// Grounded on the teacher's writer.go backoff loop (backoffWait,
// isThrottlingError, maxRetries pattern around BatchWriteItem/UpdateItem),
// generalized from DynamoDB throttling to the spec's transport-result-kind
// classification and changed from exponential-with-jitter to the fixed
// 500ms delay the source specifies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// MaxRetries is the maximum number of attempts Do makes per call-site
// (§4.B).
const MaxRetries = 100

// ConnectDelay is the fixed sleep before retrying a could-not-connect
// failure, per §4.B.
const ConnectDelay = 500 * time.Millisecond

// ErrRetriesExhausted is returned when a call-site has retried
// MaxRetries times without success.
var ErrRetriesExhausted = errors.New("retry: exceeded maximum retry count")

// LogicalStatus represents the server's reported logical error kind,
// used to classify "cluster_timeout"/"gateway_timeout" as retryable.
type LogicalStatus int

const (
	StatusOK LogicalStatus = iota
	StatusClusterTimeout
	StatusGatewayTimeout
	StatusOther
)

// Classify reports whether an attempt should be retried, given the
// transport result kind and, for completed HTTP round trips, a logical
// status derived from the response body/status code by the caller.
func Classify(kind wireapi.ResultKind, logical LogicalStatus) bool {
	switch kind {
	case wireapi.KindCouldNotConnect, wireapi.KindWriteError, wireapi.KindReadError:
		return true
	}
	return logical == StatusClusterTimeout || logical == StatusGatewayTimeout
}

// Attempt is the outcome of a single call, as reported by the caller's
// do function.
type Attempt struct {
	Kind    wireapi.ResultKind
	Logical LogicalStatus
	Err     error
}

// Do runs fn up to MaxRetries times in total, sleeping ConnectDelay between
// retries that were classified as a could-not-connect failure (other
// retryable kinds are retried without delay, matching the source: only
// could_not_connect carries an explicit sleep). fn must return the
// Attempt describing what happened and, on success, a nil error from
// Classify's perspective (fn signals success by returning Attempt{Kind:
// wireapi.KindOK} and a nil error).
func Do(ctx context.Context, fn func(attempt int) (Attempt, error)) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		result, err := fn(attempt)
		if err == nil && result.Kind == wireapi.KindOK && result.Logical == StatusOK {
			return nil
		}
		lastErr = err
		if !Classify(result.Kind, result.Logical) {
			if err != nil {
				return err
			}
			return errFatal(result)
		}
		if result.Kind == wireapi.KindCouldNotConnect {
			select {
			case <-time.After(ConnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
	}
	return ErrRetriesExhausted
}

func errFatal(a Attempt) error {
	if a.Err != nil {
		return a.Err
	}
	return errors.New("retry: non-retryable failure")
}
