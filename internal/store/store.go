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

// Package store defines the persistence interfaces for conversion records
// and the PDF files they describe.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/stapelberg/convert2pdf"
)

// ErrNotExist is returned when a record or blob does not exist.
var ErrNotExist = errors.New("does not exist")

// Records stores conversion records, keyed by their ID.
type Records interface {
	// Create stores a new record. Creating a record whose ID already exists
	// is an error.
	Create(ctx context.Context, r *convert2pdf.Record) error

	// Get returns ErrNotExist if there is no record with the specified id.
	Get(ctx context.Context, id string) (*convert2pdf.Record, error)

	// List returns all records owned by owner, most recently created first.
	List(ctx context.Context, owner string) ([]*convert2pdf.Record, error)

	// Delete removes the record. Deleting a missing record succeeds.
	Delete(ctx context.Context, id string) error
}

// Blob is an open blob. Size is known before reading.
type Blob interface {
	io.ReadCloser
	Size() int64
}

// Blobs stores opaque files (PDFs), keyed by the record's OutputPath.
type Blobs interface {
	// Put atomically stores b under key, replacing a previous blob.
	Put(ctx context.Context, key string, b []byte) error

	// Open returns ErrNotExist if there is no blob under key.
	Open(ctx context.Context, key string) (Blob, error)

	// Delete removes the blob. Deleting a missing blob succeeds.
	Delete(ctx context.Context, key string) error
}

// ValidKey returns an error unless key is usable as a single path element.
// Keys are generated by the server; this guards against corrupted records.
func ValidKey(key string) error {
	if key == "" || key == "." || key == ".." ||
		strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
