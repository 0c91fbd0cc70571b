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

package gcpstore_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/store"
	"github.com/stapelberg/convert2pdf/internal/store/gcpstore"
)

// These tests talk to the emulators, e.g.:
//
//	gcloud emulators firestore start --host-port=localhost:8812
//	FIRESTORE_EMULATOR_HOST=localhost:8812 go test ./internal/store/gcpstore
//
//	fake-gcs-server -scheme http -port 4443
//	STORAGE_EMULATOR_HOST=localhost:4443 go test ./internal/store/gcpstore

const testProject = "convert2pdf-test"

func TestRecordsEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProject)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	records := gcpstore.NewRecords(client, "conversions-"+uuid.New().String())

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id, owner string, offset time.Duration) *convert2pdf.Record {
		return &convert2pdf.Record{
			ID:           id,
			Owner:        owner,
			OriginalFile: id + ".jpg",
			FileType:     "image/jpeg",
			OutputPath:   id + ".pdf",
			Method:       convert2pdf.MethodServer,
			Size:         1234,
			ConvertedAt:  base.Add(offset),
			CreatedAt:    base.Add(offset),
			UpdatedAt:    base.Add(offset),
		}
	}
	old := mk("a", "alice", 0)
	newer := mk("b", "alice", time.Minute)
	other := mk("c", "bob", 2*time.Minute)
	for _, rec := range []*convert2pdf.Record{old, newer, other} {
		if err := records.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := records.Create(ctx, old); err == nil {
		t.Errorf("Create(duplicate) unexpectedly succeeded")
	}

	got, err := records.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(newer, got); diff != "" {
		t.Errorf("Get: unexpected record: diff (-want +got):\n%s", diff)
	}

	list, err := records.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]*convert2pdf.Record{newer, old}, list); diff != "" {
		t.Errorf("List: unexpected records: diff (-want +got):\n%s", diff)
	}

	if err := records.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := records.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
	if _, err := records.Get(ctx, "a"); !errors.Is(err, store.ErrNotExist) {
		t.Errorf("Get(deleted) = %v, want ErrNotExist", err)
	}
}

func TestBlobsEmulator(t *testing.T) {
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" {
		t.Skip("STORAGE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := storage.NewClient(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	bucket := client.Bucket("convert2pdf-" + uuid.New().String())
	if err := bucket.Create(ctx, testProject, nil); err != nil {
		t.Fatal(err)
	}
	blobs := gcpstore.NewBlobs(bucket, "pdf/")

	if _, err := blobs.Open(ctx, "x.pdf"); !errors.Is(err, store.ErrNotExist) {
		t.Fatalf("Open(missing) = %v, want ErrNotExist", err)
	}
	want := []byte("%PDF-1.4 hello")
	if err := blobs.Put(ctx, "x.pdf", want); err != nil {
		t.Fatal(err)
	}
	b, err := blobs.Open(ctx, "x.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.Size(), int64(len(want)); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	b.Close()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("contents: diff (-want +got):\n%s", diff)
	}

	if err := blobs.Delete(ctx, "x.pdf"); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Delete(ctx, "x.pdf"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
	if _, err := blobs.Open(ctx, "x.pdf"); !errors.Is(err, store.ErrNotExist) {
		t.Errorf("Open(deleted) = %v, want ErrNotExist", err)
	}
}
