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

// Package httperr implements middleware which serves returned errors as JSON
// HTTP error responses.
package httperr

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/stapelberg/convert2pdf"
)

type Err struct {
	Code int
	Err  error
}

func (h *Err) Error() string {
	return h.Err.Error()
}

func (h *Err) Unwrap() error { return h.Err }

// Error returns err with an explicit HTTP status code, taking precedence
// over the code derived from the error kind.
func Error(code int, err error) error {
	return &Err{code, err}
}

// Response is the body of every error response.
type Response struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// fixedMessages replaces the cause of errors whose details come from
// external decoders. The cause is logged only.
var fixedMessages = map[convert2pdf.Kind]string{
	convert2pdf.KindHeicTranscodeFailed: "HEIC/HEIF decoding failed",
}

// StatusFor returns the HTTP status code for errors of kind k.
func StatusFor(k convert2pdf.Kind) int {
	switch k {
	case convert2pdf.KindUnsupportedInputType:
		return http.StatusUnsupportedMediaType
	case convert2pdf.KindCorruptInput, convert2pdf.KindHeicTranscodeFailed:
		return http.StatusUnprocessableEntity
	case convert2pdf.KindNotFound:
		return http.StatusNotFound
	case convert2pdf.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// kindFor names errors which carry no kind, based on their status code.
func kindFor(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusNotFound:
		return string(convert2pdf.KindNotFound)
	}
	if code < 500 {
		return "bad_request"
	}
	return "internal"
}

func response(err error) (int, *Response) {
	kind := convert2pdf.KindOf(err)
	code := StatusFor(kind)
	var he *Err
	if errors.As(err, &he) {
		code = he.Code
	}
	resp := &Response{
		Kind:      string(kind),
		Message:   err.Error(),
		Hint:      convert2pdf.HintOf(err),
		Retryable: convert2pdf.IsRetryable(err),
	}
	var ce *convert2pdf.Error
	if errors.As(err, &ce) && ce.Err != nil {
		resp.Message = ce.Err.Error()
	} else if he != nil {
		resp.Message = he.Err.Error()
	}
	if resp.Kind == "" {
		resp.Kind = kindFor(code)
	}
	if msg, ok := fixedMessages[kind]; ok {
		resp.Message = msg
	}
	if code >= 500 {
		// Details of server-side failures are only logged.
		resp.Message = http.StatusText(code)
	}
	return code, resp
}

// Write serves err as a JSON error response.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	code, resp := response(err)
	log.Printf("%s %s: HTTP %d %v", r.Method, r.RequestURI, code, err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("%s: writing error response: %v", r.RequestURI, err)
	}
}

func Handle(h func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			return // client canceled the request
		}
		Write(w, r, err)
	})
}
