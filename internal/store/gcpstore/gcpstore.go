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

// Package gcpstore implements the store interfaces on Google Cloud: records
// are Firestore documents, blobs are Cloud Storage objects.
package gcpstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/store"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Records stores one document per record in a Firestore collection.
type Records struct {
	client     *firestore.Client
	collection string
}

func NewRecords(client *firestore.Client, collection string) *Records {
	return &Records{client: client, collection: collection}
}

func (r *Records) doc(id string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(id)
}

func (r *Records) Create(ctx context.Context, rec *convert2pdf.Record) error {
	if err := store.ValidKey(rec.ID); err != nil {
		return err
	}
	if _, err := r.doc(rec.ID).Create(ctx, rec); err != nil {
		return fmt.Errorf("firestore: creating %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Records) Get(ctx context.Context, id string) (*convert2pdf.Record, error) {
	if err := store.ValidKey(id); err != nil {
		return nil, store.ErrNotExist
	}
	snap, err := r.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, store.ErrNotExist
		}
		return nil, fmt.Errorf("firestore: getting %s: %w", id, err)
	}
	var rec convert2pdf.Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("firestore: decoding %s: %w", id, err)
	}
	return &rec, nil
}

// List requires a composite index on (owner, createdAt desc).
func (r *Records) List(ctx context.Context, owner string) ([]*convert2pdf.Record, error) {
	iter := r.client.Collection(r.collection).
		Where("owner", "==", owner).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()
	var recs []*convert2pdf.Record
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: listing records: %w", err)
		}
		var rec convert2pdf.Record
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("firestore: decoding %s: %w", snap.Ref.ID, err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// Delete succeeds for missing documents, which is how Firestore behaves
// without preconditions.
func (r *Records) Delete(ctx context.Context, id string) error {
	if err := store.ValidKey(id); err != nil {
		return err
	}
	if _, err := r.doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("firestore: deleting %s: %w", id, err)
	}
	return nil
}

// Blobs stores objects in a Cloud Storage bucket, optionally below a prefix.
type Blobs struct {
	bucket *storage.BucketHandle
	prefix string
}

func NewBlobs(bucket *storage.BucketHandle, prefix string) *Blobs {
	return &Blobs{bucket: bucket, prefix: prefix}
}

func (b *Blobs) object(key string) (*storage.ObjectHandle, error) {
	if err := store.ValidKey(key); err != nil {
		return nil, err
	}
	return b.bucket.Object(b.prefix + key), nil
}

func isNotExist(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func (b *Blobs) Put(ctx context.Context, key string, contents []byte) error {
	obj, err := b.object(key)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/pdf"
	if _, err := w.Write(contents); err != nil {
		w.Close()
		return fmt.Errorf("storage: writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalizing %s: %w", key, err)
	}
	return nil
}

type blob struct {
	*storage.Reader
}

func (b blob) Size() int64 { return b.Attrs.Size }

func (b *Blobs) Open(ctx context.Context, key string) (store.Blob, error) {
	obj, err := b.object(key)
	if err != nil {
		return nil, store.ErrNotExist
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if isNotExist(err) {
			return nil, store.ErrNotExist
		}
		return nil, fmt.Errorf("storage: opening %s: %w", key, err)
	}
	return blob{r}, nil
}

func (b *Blobs) Delete(ctx context.Context, key string) error {
	obj, err := b.object(key)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !isNotExist(err) {
		return fmt.Errorf("storage: deleting %s: %w", key, err)
	}
	return nil
}

var (
	_ store.Records = (*Records)(nil)
	_ store.Blobs   = (*Blobs)(nil)
)
