// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fault defines the error taxonomy shared across swarmgate services.
//
// Every failure that crosses a component boundary is classified into one of
// the categories below so callers can branch on kind rather than on error
// strings:
//
//   - AuthError: a 401 from an execution account. Trips the per-account
//     circuit breaker and triggers failover, never a blind retry.
//   - QuotaError: a rate ceiling was hit. Callers wait cooperatively.
//   - GovernanceBlock: the governance gate refused dispatch. Terminal for
//     the submission, recorded as a BLOCK audit entry.
//   - ErrExternalTimeout: an external call exceeded its deadline. Bounded
//     retry, then RCA.
//   - ErrPersistenceUnavailable: the durable store is unreachable. Each
//     operation documents whether it degrades to memory or fails open.
//   - ContractViolation: an external collaborator returned a payload that
//     does not match its documented shape.
package fault

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPersistenceUnavailable indicates the durable store could not be
	// reached and no fallback was configured for the operation.
	ErrPersistenceUnavailable = errors.New("durable store unavailable")

	// ErrExternalTimeout indicates an external collaborator did not answer
	// within the operation deadline.
	ErrExternalTimeout = errors.New("external call timed out")

	// ErrInvalidState indicates an operation was attempted against an
	// entity whose status does not permit it.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrEmptySelection indicates a partial approval filter removed every
	// task from a swarm.
	ErrEmptySelection = errors.New("task filter matched no tasks")

	// ErrNoHealthyAccount indicates every configured account is tripped or
	// missing credentials.
	ErrNoHealthyAccount = errors.New("no healthy account available")
)

// AuthError reports an authentication failure from an execution account.
type AuthError struct {
	Account    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("account %s rejected credentials (status %d)", e.Account, e.StatusCode)
}

// IsAuthError reports whether err wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// QuotaError reports a rate ceiling hit for a resource.
//
// Wait carries the suggested cooperative wait before re-checking.
type QuotaError struct {
	Resource string
	Scope    string // "hourly", "daily", or "blocked"
	Wait     time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s, retry in %s", e.Scope, e.Resource, e.Wait)
}

// GovernanceBlock reports that the governance gate refused a dispatch.
type GovernanceBlock struct {
	Reason string
}

func (e *GovernanceBlock) Error() string {
	return "governance block: " + e.Reason
}

// ContractViolation reports a malformed payload from an external
// collaborator. The pipeline never crashes on one; callers substitute a
// documented fallback value.
type ContractViolation struct {
	Source string
	Detail string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation from %s: %s", e.Source, e.Detail)
}
