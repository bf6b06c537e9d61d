// internal/chains/ethereum/errors.go
package ethereum

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllEndpointsFailed is matched by every aggregated gateway failure.
	ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")
	// ErrNotFound means every endpoint answered and none has the object.
	ErrNotFound = errors.New("not found")
	// ErrNonceRejected covers every node rejection caused by a wrong nonce.
	ErrNonceRejected = errors.New("nonce rejected")
	// ErrInsufficientFunds is the node refusing a tx the sender can't pay for.
	ErrInsufficientFunds = errors.New("insufficient funds for transfer")
	// ErrNoEndpoints is returned when a gateway is built with an empty list.
	ErrNoEndpoints = errors.New("no rpc endpoints configured")

	// errMissingHere records one endpoint's not-found inside an aggregate. It does
	// not match ErrNotFound.
	errMissingHere = errors.New("object not found on this endpoint")
)

// EndpointError is a single endpoint's failure inside an aggregate.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e EndpointError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

// EndpointsError is returned when no endpoint produced a usable answer.
type EndpointsError struct {
	Method string
	Errors []EndpointError
}

func (e *EndpointsError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, ee := range e.Errors {
		parts = append(parts, ee.Error())
	}
	return fmt.Sprintf("%s: %s: [%s]", e.Method, ErrAllEndpointsFailed.Error(), strings.Join(parts, "; "))
}

func (e *EndpointsError) Is(target error) bool {
	return target == ErrAllEndpointsFailed
}

func (e *EndpointsError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, ee := range e.Errors {
		out = append(out, ee.Err)
	}
	return out
}

// IsRetryable reports whether err is a transient condition that leaves a
// withdrawal untouched for the next pass.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAllEndpointsFailed)
}

// Node error strings differ between clients; these fragments cover geth, erigon,
// nethermind and besu.
var (
	alreadyKnownFragments = []string{
		"already known",
		"known transaction",
		"already imported",
		"alreadyknown",
		"transaction already exists",
	}
	nonceFragments = []string{
		"nonce too low",
		"nonce too high",
		"invalid nonce",
		"replacement transaction underpriced",
		"nonce has already been used",
	}
	fundsFragments = []string{
		"insufficient funds",
	}
)

func containsAny(err error, fragments []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// IsAlreadyKnown reports a node saying it already holds this exact transaction.
func IsAlreadyKnown(err error) bool {
	return containsAny(err, alreadyKnownFragments)
}

// classify maps a raw endpoint error to a definitive gateway error, or nil when
// the failure is endpoint-local and the next endpoint should be tried.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case containsAny(err, nonceFragments):
		return fmt.Errorf("%w: %v", ErrNonceRejected, err)
	case containsAny(err, fundsFragments):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return nil
}
