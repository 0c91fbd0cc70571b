// Copyright 2016 Michael Stapelberg and contributors
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

package convert2pdf

import (
	"errors"
	"fmt"
)

// Kind is the machine-checkable classification of a failed operation.
type Kind string

const (
	KindUnknown              Kind = ""
	KindUnsupportedInputType Kind = "unsupported_input_type"
	KindCorruptInput         Kind = "corrupt_input"
	KindHeicTranscodeFailed  Kind = "heic_transcode_failed"
	KindEncodingFailed       Kind = "encoding_failed"
	KindCorruptedOutput      Kind = "corrupted_output"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
)

// Internal reports whether errors of this kind are server defects. Their
// causes are logged, but not shown to the caller.
func (k Kind) Internal() bool {
	return k == KindEncodingFailed || k == KindCorruptedOutput || k == KindUnknown
}

// HeicHint is shown to callers whose HEIC photo could not be transcoded.
const HeicHint = "The HEIC/HEIF photo could not be decoded. Re-export it as JPEG (on iOS: Settings → Camera → Formats → Most Compatible) and upload it again."

// Error is a classified error.
type Error struct {
	Kind Kind

	// Hint is a human-readable recovery advice, if one exists.
	Hint string

	// Retryable is set when resubmitting the same input may succeed, e.g.
	// after an encoding timeout.
	Retryable bool

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an *Error of kind k.
func Errorf(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err as kind k. Errors which are already classified keep
// their original kind.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: k, Err: err}
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// HintOf returns the hint attached to err, if any.
func HintOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Hint
	}
	return ""
}

// IsRetryable reports whether resubmitting the request may succeed.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
