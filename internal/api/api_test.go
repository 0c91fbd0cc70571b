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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/api"
	"github.com/stapelberg/convert2pdf/internal/auth"
	"github.com/stapelberg/convert2pdf/internal/convert"
	"github.com/stapelberg/convert2pdf/internal/httperr"
	"github.com/stapelberg/convert2pdf/internal/pdfcheck"
	"github.com/stapelberg/convert2pdf/internal/store/fsstore"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	dir := t.TempDir()
	records, err := fsstore.NewRecords(filepath.Join(dir, "records"))
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := fsstore.NewBlobs(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	var users []*auth.User
	for _, name := range []string{"alice", "bob"} {
		hash, err := bcrypt.GenerateFromPassword([]byte(name+"-password"), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		users = append(users, &auth.User{Name: name, PasswordHash: string(hash)})
	}
	key, err := auth.LoadKey(filepath.Join(dir, "tokens.key"), 64)
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewTokens(key, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := &api.Server{
		Converter: convert.New(convert.Options{
			Records: records,
			Blobs:   blobs,
		}),
		Auth: &auth.Authenticator{
			Users:  auth.NewDirectory(users...),
			Tokens: tokens,
		},
		MaxUploadBytes: maxUpload,
	}
	ts := httptest.NewServer(srv.ServeMux())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, t: t}
}

func (ts *testServer) login(user string) string {
	ts.t.Helper()
	body := `{"user":"` + user + `","password":"` + user + `-password"}`
	resp, err := http.Post(ts.URL+"/api/login", "application/json", strings.NewReader(body))
	if err != nil {
		ts.t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		ts.t.Fatalf("login: status %d, want %d", got, want)
	}
	var r struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		ts.t.Fatal(err)
	}
	return r.Token
}

func (ts *testServer) do(method, path, token string, body io.Reader, contentType string) *http.Response {
	ts.t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		ts.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatal(err)
	}
	ts.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) upload(path, token, name, contentType string, b []byte) *http.Response {
	ts.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		ts.t.Fatal(err)
	}
	part.Write(b)
	if err := mw.Close(); err != nil {
		ts.t.Fatal(err)
	}
	return ts.do("POST", path, token, &buf, mw.FormDataContentType())
}

func expectError(t *testing.T, resp *http.Response, code int, kind string) {
	t.Helper()
	if got, want := resp.StatusCode, code; got != want {
		t.Errorf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, got, want)
	}
	var e httperr.Response
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if got, want := e.Kind, kind; got != want {
		t.Errorf("%s %s: kind %q, want %q", resp.Request.Method, resp.Request.URL.Path, got, want)
	}
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 120, 80)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type record struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Method     string `json:"method"`
	FileType   string `json:"file_type"`
	Size       int64  `json:"size"`
	OutputName string `json:"output_name"`
	SingleUse  bool   `json:"single_use"`
}

func decodeRecord(t *testing.T, resp *http.Response) record {
	t.Helper()
	var rec record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, 0)
	resp := ts.do("GET", "/healthz", "", nil, "")
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("status %d, want %d", got, want)
	}
}

func TestUnauthenticated(t *testing.T) {
	ts := newTestServer(t, 0)
	expectError(t, ts.do("GET", "/api/conversions", "", nil, ""), http.StatusUnauthorized, "unauthenticated")
	expectError(t, ts.do("GET", "/api/conversions", "not-a-token", nil, ""), http.StatusUnauthorized, "unauthenticated")
	resp := ts.do("POST", "/api/login", "", strings.NewReader(`{"user":"alice","password":"guess"}`), "application/json")
	expectError(t, resp, http.StatusUnauthorized, "unauthenticated")
}

func TestConversionLifecycle(t *testing.T) {
	ts := newTestServer(t, 0)
	alice := ts.login("alice")
	bob := ts.login("bob")

	resp := ts.upload("/api/convert", alice, "IMG_0001.jpg", "image/jpeg", testJPEG(t))
	if got, want := resp.StatusCode, http.StatusCreated; got != want {
		t.Fatalf("convert: status %d, want %d", got, want)
	}
	rec := decodeRecord(t, resp)
	if rec.Owner != "alice" || rec.Method != "server" || rec.FileType != "image/jpeg" || rec.OutputName != "IMG_0001.pdf" || !rec.SingleUse {
		t.Errorf("unexpected record: %+v", rec)
	}

	resp = ts.do("GET", "/api/conversions", alice, nil, "")
	var list []record
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Errorf("list = %+v, want [%s]", list, rec.ID)
	}

	if got := decodeRecord(t, ts.do("GET", "/api/conversions/"+rec.ID, alice, nil, "")); got.ID != rec.ID {
		t.Errorf("get: id %q, want %q", got.ID, rec.ID)
	}
	expectError(t, ts.do("GET", "/api/conversions/"+rec.ID, bob, nil, ""), http.StatusForbidden, "forbidden")
	expectError(t, ts.do("GET", "/api/conversions/"+rec.ID+"/download", bob, nil, ""), http.StatusForbidden, "forbidden")
	expectError(t, ts.do("DELETE", "/api/conversions/"+rec.ID, bob, nil, ""), http.StatusForbidden, "forbidden")
	expectError(t, ts.do("POST", "/api/conversions/"+rec.ID+"/download", alice, nil, ""), http.StatusMethodNotAllowed, "method_not_allowed")

	resp = ts.do("GET", "/api/conversions/"+rec.ID+"/download", alice, nil, "")
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("download: status %d, want %d", got, want)
	}
	if got, want := resp.Header.Get("Content-Type"), "application/pdf"; got != want {
		t.Errorf("Content-Type = %q, want %q", got, want)
	}
	if got, want := resp.Header.Get("Content-Disposition"), "attachment; filename=IMG_0001.pdf"; got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(len(b)), rec.Size; got != want {
		t.Errorf("downloaded %d bytes, want %d", got, want)
	}
	if _, err := pdfcheck.SinglePage(b); err != nil {
		t.Errorf("downloaded PDF is invalid: %v", err)
	}

	// Delivered conversions are purged.
	expectError(t, ts.do("GET", "/api/conversions/"+rec.ID+"/download", alice, nil, ""), http.StatusNotFound, "not_found")
	expectError(t, ts.do("GET", "/api/conversions/"+rec.ID, alice, nil, ""), http.StatusNotFound, "not_found")
}

func TestDeleteIdempotent(t *testing.T) {
	ts := newTestServer(t, 0)
	alice := ts.login("alice")
	rec := decodeRecord(t, ts.upload("/api/convert", alice, "a.jpg", "image/jpeg", testJPEG(t)))
	for i := 0; i < 2; i++ {
		resp := ts.do("DELETE", "/api/conversions/"+rec.ID, alice, nil, "")
		if got, want := resp.StatusCode, http.StatusNoContent; got != want {
			t.Errorf("delete #%d: status %d, want %d", i+1, got, want)
		}
	}
}

func TestConvertErrors(t *testing.T) {
	ts := newTestServer(t, 64<<10)
	alice := ts.login("alice")
	valid := testJPEG(t)

	expectError(t, ts.upload("/api/convert", alice, "notes.txt", "text/plain", []byte("hello")),
		http.StatusUnsupportedMediaType, "unsupported_input_type")
	expectError(t, ts.upload("/api/convert", alice, "a.jpg", "image/jpeg", valid[:len(valid)/4]),
		http.StatusUnprocessableEntity, "corrupt_input")
	expectError(t, ts.upload("/api/convert", alice, "huge.jpg", "image/jpeg", make([]byte, 128<<10)),
		http.StatusRequestEntityTooLarge, "too_large")
	expectError(t, ts.do("GET", "/api/convert", alice, nil, ""), http.StatusMethodNotAllowed, "method_not_allowed")
	expectError(t, ts.do("POST", "/api/convert", alice, strings.NewReader("x"), "text/plain"), http.StatusBadRequest, "bad_request")

	resp := ts.do("GET", "/api/conversions", alice, nil, "")
	var list []record
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("failed conversions left records: %+v", list)
	}
}

func TestImport(t *testing.T) {
	ts := newTestServer(t, 0)
	alice := ts.login("alice")
	local := convert.New(convert.Options{Encoder: convert.GoPDF{}})
	b, _, err := local.ConvertLocal(context.Background(), &convert2pdf.Request{
		Source:       testJPEG(t),
		Name:         "scan.jpg",
		DeclaredType: "image/jpeg",
	})
	if err != nil {
		t.Fatal(err)
	}
	resp := ts.upload("/api/import", alice, "scan.pdf", "application/pdf", b)
	if got, want := resp.StatusCode, http.StatusCreated; got != want {
		t.Fatalf("import: status %d, want %d", got, want)
	}
	rec := decodeRecord(t, resp)
	if rec.Method != "client" || rec.FileType != "application/pdf" || rec.Size != int64(len(b)) {
		t.Errorf("unexpected record: %+v", rec)
	}

	expectError(t, ts.upload("/api/import", alice, "fake.pdf", "application/pdf", []byte("%PDF-1.4\ngarbage\n")),
		http.StatusUnprocessableEntity, "corrupt_input")
}
