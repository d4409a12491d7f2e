// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the error taxonomy shared by the bridge pipeline.
//
// Every failure a processor returns is classified as either retryable
// (the job is rescheduled with backoff) or fatal (the job goes straight
// to the dead-letter path). Unclassified errors are treated as retryable,
// since they are usually infrastructure hiccups (Postgres, Redis, DNS).
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrDuplicate  = errors.New("already processed")
	ErrRateLimit  = errors.New("rate limited")
	ErrDelivery   = errors.New("delivery failed")
	ErrPending    = errors.New("thread pending")
)

// ValidationError reports malformed input. Never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation builds a ValidationError with a formatted message.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing routing record (alias, workspace,
// retained payload). Never retryable: waiting will not make it appear.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

// RateLimitError is returned when a provider throttles us. RetryAfter,
// when non-zero, is the provider's hint and raises the next retry delay.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return e.Provider + " rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// DeliveryError wraps a provider failure with its classification.
type DeliveryError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s delivery failed", e.Provider)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDelivery}
	}
	return []error{ErrDelivery, e.Err}
}

// IdempotencyError signals that a job's natural key was already
// processed. The pipeline treats it as success.
type IdempotencyError struct {
	Key string
}

func (e *IdempotencyError) Error() string {
	return "duplicate event: " + e.Key
}

func (e *IdempotencyError) Unwrap() error { return ErrDuplicate }

// ThreadPendingError means the conversation row exists but its chat
// thread has not been posted yet by the first message in the thread.
type ThreadPendingError struct {
	ConversationID string
	RetryAfter     time.Duration
}

func (e *ThreadPendingError) Error() string {
	return "chat thread for conversation " + e.ConversationID + " not posted yet"
}

func (e *ThreadPendingError) Unwrap() error { return ErrPending }

// IsRetryable reports whether err should reschedule the job.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}

	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicate):
		return false
	}
	return true
}

// RetryAfter returns the provider-suggested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var tp *ThreadPendingError
	if errors.As(err, &tp) {
		return tp.RetryAfter
	}
	return 0
}

func IsDuplicate(err error) bool  { return errors.Is(err, ErrDuplicate) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
