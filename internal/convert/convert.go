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

// Package convert implements the conversion pipeline (normalize, lay out,
// encode) and the lifecycle of stored conversions.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/layout"
	"github.com/stapelberg/convert2pdf/internal/normalize"
	"github.com/stapelberg/convert2pdf/internal/pdfcheck"
	"github.com/stapelberg/convert2pdf/internal/store"
	"golang.org/x/net/trace"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	Normalizer *normalize.Normalizer
	Encoder    Encoder

	// Records and Blobs are required for the server path only.
	Records store.Records
	Blobs   store.Blobs

	// EncodeTimeout defaults to DefaultEncodeTimeout.
	EncodeTimeout time.Duration

	// MaxConcurrent bounds the number of conversions running at the same
	// time. Defaults to runtime.NumCPU().
	MaxConcurrent int

	// Notifier, if non-nil, receives an Event for every state change.
	Notifier convert2pdf.Notifier

	// Now defaults to time.Now.
	Now func() time.Time
}

// Converter is safe for concurrent use.
type Converter struct {
	opts Options
	sem  *semaphore.Weighted
}

func New(opts Options) *Converter {
	if opts.Normalizer == nil {
		opts.Normalizer = &normalize.Normalizer{}
	}
	if opts.Encoder == nil {
		opts.Encoder = PDFWriter{Now: opts.Now}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = runtime.NumCPU()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Converter{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

func tracef(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

func (c *Converter) notify(typ convert2pdf.EventType, rec *convert2pdf.Record) {
	if c.opts.Notifier == nil {
		return
	}
	c.opts.Notifier.Notify(convert2pdf.Event{
		Type:  typ,
		ID:    rec.ID,
		Owner: rec.Owner,
		Time:  c.opts.Now(),
	})
}

func (c *Converter) checkType(req *convert2pdf.Request) error {
	if _, ok := normalize.DeclaredType(req.DeclaredType, req.Name); !ok {
		return convert2pdf.Errorf(convert2pdf.KindUnsupportedInputType,
			"file type %q (name %q) is not accepted", req.DeclaredType, req.Name)
	}
	return nil
}

// run normalizes, lays out and encodes src while holding a worker slot.
func (c *Converter) run(ctx context.Context, src []byte) ([]byte, *normalize.Image, layout.Geometry, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, layout.Geometry{}, err
	}
	defer c.sem.Release(1)

	start := time.Now()
	img, err := c.opts.Normalizer.Normalize(ctx, src)
	if err != nil {
		return nil, nil, layout.Geometry{}, err
	}
	tracef(ctx, "normalized %v %dx%d to %dx%d JPEG (%d bytes) in %v",
		img.Format, img.SourceWidth, img.SourceHeight, img.Width, img.Height, len(img.JPEG), time.Since(start))

	// Lay out the source image: the bounded resize changes the resolution,
	// not the drawn size.
	g := layout.Fit(img.SourceWidth, img.SourceHeight)
	tracef(ctx, "layout: scale %f, draw %fx%f at (%f, %f)", g.Scale, g.DrawWidth, g.DrawHeight, g.DrawX, g.DrawY)

	start = time.Now()
	b, err := encodeBounded(ctx, c.opts.Encoder, img, g, c.opts.EncodeTimeout)
	if err != nil {
		return nil, nil, layout.Geometry{}, err
	}
	tracef(ctx, "encoded %d byte PDF in %v", len(b), time.Since(start))
	return b, img, g, nil
}

// ConvertLocal runs the pipeline without persisting anything, as used on
// the device itself.
func (c *Converter) ConvertLocal(ctx context.Context, req *convert2pdf.Request) ([]byte, layout.Geometry, error) {
	if err := c.checkType(req); err != nil {
		return nil, layout.Geometry{}, err
	}
	b, _, g, err := c.run(ctx, req.Source)
	if err != nil {
		return nil, layout.Geometry{}, err
	}
	return b, g, nil
}

// persist stores the blob, then the record. A record which cannot be
// written takes its blob with it.
func (c *Converter) persist(ctx context.Context, rec *convert2pdf.Record, b []byte) error {
	if err := c.opts.Blobs.Put(ctx, rec.OutputPath, b); err != nil {
		return fmt.Errorf("storing PDF: %w", err)
	}
	if err := c.opts.Records.Create(ctx, rec); err != nil {
		if derr := c.opts.Blobs.Delete(context.WithoutCancel(ctx), rec.OutputPath); derr != nil {
			log.Printf("removing blob %s after failed record write: %v", rec.OutputPath, derr)
		}
		return fmt.Errorf("storing record: %w", err)
	}
	tracef(ctx, "stored record %s (%d bytes)", rec.ID, rec.Size)
	return nil
}

func newRecord(owner, name string, method convert2pdf.Method, now time.Time) *convert2pdf.Record {
	id := uuid.New().String()
	return &convert2pdf.Record{
		ID:           id,
		Owner:        owner,
		OriginalFile: name,
		OutputPath:   id + ".pdf",
		Method:       method,
		ConvertedAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Convert converts req on the server and stores the result for owner. On
// error, nothing is stored. req.Source is not retained.
func (c *Converter) Convert(ctx context.Context, req *convert2pdf.Request, owner string) (*convert2pdf.Record, error) {
	if owner == "" {
		return nil, convert2pdf.Errorf(convert2pdf.KindForbidden, "conversion requires an owner")
	}
	if err := c.checkType(req); err != nil {
		return nil, err
	}
	b, img, _, err := c.run(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	rec := newRecord(owner, req.Name, convert2pdf.MethodServer, c.opts.Now())
	rec.FileType = img.Format.MIMEType()
	rec.Size = int64(len(b))
	if err := c.persist(ctx, rec, b); err != nil {
		return nil, err
	}
	c.notify(convert2pdf.EventConverted, rec)
	return rec, nil
}

// Import stores a PDF which was converted on the device. The document must
// be a valid single-page PDF.
func (c *Converter) Import(ctx context.Context, name string, b []byte, owner string) (*convert2pdf.Record, error) {
	if owner == "" {
		return nil, convert2pdf.Errorf(convert2pdf.KindForbidden, "import requires an owner")
	}
	info, err := pdfcheck.SinglePage(b)
	if err != nil {
		return nil, convert2pdf.Wrap(convert2pdf.KindCorruptInput, err)
	}
	tracef(ctx, "imported PDF %s: %d page(s), %fx%f", info.Version, info.Pages, info.Width, info.Height)
	rec := newRecord(owner, name, convert2pdf.MethodClient, c.opts.Now())
	rec.FileType = "application/pdf"
	rec.Size = int64(len(b))
	if err := c.persist(ctx, rec, b); err != nil {
		return nil, err
	}
	c.notify(convert2pdf.EventImported, rec)
	return rec, nil
}

// List returns the records of owner, most recent first.
func (c *Converter) List(ctx context.Context, owner string) ([]*convert2pdf.Record, error) {
	if owner == "" {
		return nil, convert2pdf.Errorf(convert2pdf.KindForbidden, "listing requires an owner")
	}
	return c.opts.Records.List(ctx, owner)
}

// Get returns the record id if it belongs to owner.
func (c *Converter) Get(ctx context.Context, id, owner string) (*convert2pdf.Record, error) {
	rec, err := c.opts.Records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, convert2pdf.Errorf(convert2pdf.KindNotFound, "conversion %q not found", id)
		}
		return nil, err
	}
	if owner == "" || rec.Owner != owner {
		return nil, convert2pdf.Errorf(convert2pdf.KindForbidden, "conversion %q belongs to another user", id)
	}
	return rec, nil
}

// FetchAndPurge opens the PDF of conversion id for delivery to owner. The
// returned Delivery purges the conversion once it was delivered completely.
func (c *Converter) FetchAndPurge(ctx context.Context, id, owner string) (*Delivery, error) {
	rec, err := c.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	blob, err := c.opts.Blobs.Open(ctx, rec.OutputPath)
	if err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			return nil, err
		}
		// The PDF is gone (e.g. a purge which was interrupted after removing
		// the blob), so the record is useless.
		if err := c.opts.Records.Delete(ctx, rec.ID); err != nil {
			log.Printf("removing record %s without blob: %v", rec.ID, err)
		}
		return nil, convert2pdf.Errorf(convert2pdf.KindNotFound, "conversion %q has no PDF", id)
	}
	return &Delivery{
		Record: rec,
		c:      c,
		blob:   blob,
	}, nil
}

// Delete removes conversion id. Deleting a missing conversion succeeds.
func (c *Converter) Delete(ctx context.Context, id, owner string) error {
	if owner == "" {
		return convert2pdf.Errorf(convert2pdf.KindForbidden, "deletion requires an owner")
	}
	rec, err := c.Get(ctx, id, owner)
	if err != nil {
		if convert2pdf.KindOf(err) == convert2pdf.KindNotFound {
			return nil
		}
		return err
	}
	if err := c.remove(ctx, rec); err != nil {
		return err
	}
	c.notify(convert2pdf.EventDeleted, rec)
	return nil
}

// remove deletes the blob, then the record.
func (c *Converter) remove(ctx context.Context, rec *convert2pdf.Record) error {
	if err := c.opts.Blobs.Delete(ctx, rec.OutputPath); err != nil {
		return fmt.Errorf("deleting PDF: %w", err)
	}
	if err := c.opts.Records.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	tracef(ctx, "removed conversion %s", rec.ID)
	return nil
}
