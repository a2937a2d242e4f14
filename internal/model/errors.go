// ABOUTME: Error types separating policy refusals from transport failures
// ABOUTME: Callers branch on these with errors.As

package model

import (
	"errors"
	"fmt"
)

// ContentPolicyError reports an upstream refusal on content policy grounds.
// Detail holds provider text for logs only; it must never reach a client.
type ContentPolicyError struct {
	Provider string
	Detail   string
}

func (e *ContentPolicyError) Error() string {
	return fmt.Sprintf("%s: content policy refusal", e.Provider)
}

// TransportError reports a provider or network failure unrelated to policy.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsContentPolicy reports whether err is a content policy refusal.
func IsContentPolicy(err error) bool {
	var policy *ContentPolicyError
	return errors.As(err, &policy)
}

// transportErr wraps err unless it already carries a classification.
// Context errors stay reachable through Unwrap.
func transportErr(provider string, err error) error {
	if err == nil {
		return nil
	}
	var policy *ContentPolicyError
	var transport *TransportError
	if errors.As(err, &policy) || errors.As(err, &transport) {
		return err
	}
	return &TransportError{Provider: provider, Err: err}
}
