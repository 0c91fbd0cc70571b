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

// Package pdfcheck validates the structure of PDF documents using pdfcpu.
package pdfcheck

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Info describes a valid PDF document.
type Info struct {
	Version string
	Pages   int

	// Width and Height of the first page, in points.
	Width, Height float64
}

var disableConfigDir sync.Once

func configuration() *model.Configuration {
	// pdfcpu would otherwise create and read $XDG_CONFIG_HOME/pdfcpu.
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Inspect parses and validates b.
func Inspect(b []byte) (*Info, error) {
	if !bytes.HasPrefix(b, []byte("%PDF-")) {
		return nil, fmt.Errorf("missing %%PDF- header")
	}
	ctx, err := api.ReadContext(bytes.NewReader(b), configuration())
	if err != nil {
		return nil, fmt.Errorf("parsing PDF: %v", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validating PDF: %v", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("counting pages: %v", err)
	}
	info := &Info{Pages: ctx.PageCount}
	if v := ctx.HeaderVersion; v != nil {
		info.Version = v.String()
	}
	if ctx.PageCount == 0 {
		return info, nil
	}
	dims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("reading page dimensions: %v", err)
	}
	if len(dims) > 0 {
		info.Width, info.Height = dims[0].Width, dims[0].Height
	}
	return info, nil
}

// SinglePage returns an error unless b is a valid PDF with exactly one page.
func SinglePage(b []byte) (*Info, error) {
	info, err := Inspect(b)
	if err != nil {
		return nil, err
	}
	if info.Pages != 1 {
		return nil, fmt.Errorf("document has %d pages, want 1", info.Pages)
	}
	return info, nil
}
