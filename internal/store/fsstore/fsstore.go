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

// Package fsstore implements the store interfaces on the local file system:
// one JSON file per record and one file per blob, all written atomically.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/store"
)

// Records stores one <id>.json file per record in a directory.
type Records struct {
	dir string

	// mu serializes Create and Delete against List, which reads the whole
	// directory.
	mu sync.RWMutex
}

// NewRecords returns a Records store in dir, creating dir if needed.
func NewRecords(dir string) (*Records, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Records{dir: dir}, nil
}

func (r *Records) path(id string) (string, error) {
	if err := store.ValidKey(id); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, id+".json"), nil
}

func (r *Records) Create(ctx context.Context, rec *convert2pdf.Record) error {
	fn, err := r.path(rec.ID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "\t")
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(fn); err == nil {
		return fmt.Errorf("record %q already exists", rec.ID)
	}
	return renameio.WriteFile(fn, b, 0600)
}

func (r *Records) read(fn string) (*convert2pdf.Record, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotExist
		}
		return nil, err
	}
	var rec convert2pdf.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return &rec, nil
}

func (r *Records) Get(ctx context.Context, id string) (*convert2pdf.Record, error) {
	fn, err := r.path(id)
	if err != nil {
		return nil, store.ErrNotExist
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read(fn)
}

func (r *Records) List(ctx context.Context, owner string) ([]*convert2pdf.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var recs []*convert2pdf.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue // e.g. renameio temporary files
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.read(filepath.Join(r.dir, entry.Name()))
		if err == store.ErrNotExist {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Owner != owner {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

func (r *Records) Delete(ctx context.Context, id string) error {
	fn, err := r.path(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(fn); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Blobs stores one file per key in a directory.
type Blobs struct {
	dir string
}

// NewBlobs returns a Blobs store in dir, creating dir if needed.
func NewBlobs(dir string) (*Blobs, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Blobs{dir: dir}, nil
}

func (b *Blobs) path(key string) (string, error) {
	if err := store.ValidKey(key); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, key), nil
}

func (b *Blobs) Put(ctx context.Context, key string, contents []byte) error {
	fn, err := b.path(key)
	if err != nil {
		return err
	}
	t, err := renameio.TempFile("", fn)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(contents); err != nil {
		return err
	}
	if err := t.Chmod(0600); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

type blob struct {
	*os.File
	size int64
}

func (b *blob) Size() int64 { return b.size }

func (b *Blobs) Open(ctx context.Context, key string) (store.Blob, error) {
	fn, err := b.path(key)
	if err != nil {
		return nil, store.ErrNotExist
	}
	f, err := os.Open(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotExist
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &blob{File: f, size: st.Size()}, nil
}

func (b *Blobs) Delete(ctx context.Context, key string) error {
	fn, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fn); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var (
	_ store.Records = (*Records)(nil)
	_ store.Blobs   = (*Blobs)(nil)
	_ store.Blob    = (*blob)(nil)
)
