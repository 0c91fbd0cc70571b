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

// Package convert2pdf contains domain types for convert2pdf, like conversion
// requests or the records describing stored conversions.
package convert2pdf

import (
	"path"
	"strings"
	"time"
)

// A Request is received via HTTP (server path) or the img2pdf command line
// tool (device-local path).
type Request struct {
	// Source is the uploaded image. It is owned by the converter for the
	// duration of the request and must not be modified by callers.
	Source []byte

	// Name is the original file name, used for output naming and as a
	// fallback for type inference only.
	Name string

	// DeclaredType is the MIME type claimed by the uploader. It is a hint:
	// some pickers label HEIC photos as image/jpeg.
	DeclaredType string
}

// Method describes where a conversion was performed.
type Method string

const (
	MethodClient Method = "client"
	MethodServer Method = "server"
)

// A Record describes one stored conversion. Records are only kept on the
// server; the device-local path writes the PDF straight to a file.
type Record struct {
	ID           string    `json:"id" firestore:"id"`
	Owner        string    `json:"owner" firestore:"owner"`
	OriginalFile string    `json:"original_file" firestore:"originalFile"`
	FileType     string    `json:"file_type" firestore:"fileType"`
	OutputPath   string    `json:"output_path" firestore:"outputPath"`
	Method       Method    `json:"method" firestore:"method"`
	Size         int64     `json:"size" firestore:"size"`
	ConvertedAt  time.Time `json:"converted_at" firestore:"convertedAt"`
	CreatedAt    time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt    time.Time `json:"updated_at" firestore:"updatedAt"`
}

// OutputName returns the file name offered to clients when downloading the
// PDF, derived from the original file name.
func (r *Record) OutputName() string {
	return PDFName(r.OriginalFile)
}

// PDFName replaces the extension of name with .pdf. Directory components (as
// sent by some browsers) are stripped.
func PDFName(name string) string {
	if idx := strings.LastIndexAny(name, `/\`); idx > -1 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == ".." {
		name = "converted"
	}
	return name + ".pdf"
}

type EventType string

const (
	EventConverted EventType = "converted"
	EventImported  EventType = "imported"
	EventDelivered EventType = "delivered"
	EventDeleted   EventType = "deleted"
)

// An Event is published (best-effort) whenever a record changes state.
type Event struct {
	Type  EventType `json:"type"`
	ID    string    `json:"id"`
	Owner string    `json:"owner"`
	Time  time.Time `json:"time"`
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}
