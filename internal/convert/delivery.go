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

package convert

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/store"
)

type State int

const (
	Pending State = iota
	Delivered
	Purged
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Delivered:
		return "Delivered"
	case Purged:
		return "Purged"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	default:
		return "<unknown>"
	}
}

// Delivery streams one stored PDF to the client. It moves from Pending to
// exactly one of Delivered (then Purged once the conversion was removed),
// Failed or Aborted.
type Delivery struct {
	Record *convert2pdf.Record

	c    *Converter
	blob store.Blob

	mu      sync.Mutex
	state   State
	written int64
}

// Size returns the size of the PDF in bytes.
func (d *Delivery) Size() int64 { return d.blob.Size() }

// Read implements io.Reader. Bytes read are counted towards a complete
// delivery.
func (d *Delivery) Read(p []byte) (int, error) {
	n, err := d.blob.Read(p)
	d.mu.Lock()
	d.written += int64(n)
	d.mu.Unlock()
	return n, err
}

// State returns the current state.
func (d *Delivery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// FlushWriter is implemented by buffered writers such as *bufio.Writer.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// Deliver copies the PDF to w and finishes the delivery. If w is a
// FlushWriter, it is flushed before the delivery counts as complete.
func (d *Delivery) Deliver(ctx context.Context, w io.Writer) error {
	_, err := io.Copy(w, d)
	if fw, ok := w.(FlushWriter); ok && err == nil {
		if ferr := fw.Flush(); ferr != nil {
			err = fmt.Errorf("flushing: %w", ferr)
		}
	}
	return d.Finish(ctx, err)
}

// Finish completes the delivery. The conversion is purged only if copyErr
// is nil, all bytes were read and ctx is not done. Otherwise the conversion
// stays available for another download.
func (d *Delivery) Finish(ctx context.Context, copyErr error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Pending {
		return fmt.Errorf("delivery of %s already finished (%v)", d.Record.ID, d.state)
	}
	if err := d.blob.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	switch {
	case copyErr != nil:
		d.state = Failed
		tracef(ctx, "delivery of %s failed after %d bytes: %v", d.Record.ID, d.written, copyErr)
		return copyErr
	case ctx.Err() != nil:
		d.state = Aborted
		tracef(ctx, "delivery of %s aborted: %v", d.Record.ID, ctx.Err())
		return ctx.Err()
	case d.written != d.blob.Size():
		d.state = Failed
		err := fmt.Errorf("short delivery of %s: %d of %d bytes", d.Record.ID, d.written, d.blob.Size())
		tracef(ctx, "%v", err)
		return err
	}
	d.state = Delivered
	d.c.notify(convert2pdf.EventDelivered, d.Record)

	// The client already has the PDF, so the purge must not be cut short by
	// the client going away now.
	if err := d.c.remove(context.WithoutCancel(ctx), d.Record); err != nil {
		log.Printf("purging delivered conversion %s: %v", d.Record.ID, err)
		return err
	}
	d.state = Purged
	return nil
}

// Close aborts a delivery which was not finished. Close is a no-op after
// Finish.
func (d *Delivery) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Pending {
		return nil
	}
	d.state = Aborted
	return d.blob.Close()
}
