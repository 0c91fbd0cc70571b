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

// Package api implements the JSON HTTP API around the conversion pipeline.
//
// # Example Usage
//
// You can use this API with curl on the command line like so:
//
//	token=$(curl -s -d '{"user":"alice","password":"secret"}' http://localhost:7220/api/login | jq -r .token)
//	id=$(curl -s -H "Authorization: Bearer $token" -F file=@IMG_0001.HEIC http://localhost:7220/api/convert | jq -r .id)
//	curl -s -H "Authorization: Bearer $token" -OJ http://localhost:7220/api/conversions/$id/download
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/auth"
	"github.com/stapelberg/convert2pdf/internal/convert"
	"github.com/stapelberg/convert2pdf/internal/httperr"
	"golang.org/x/net/trace"
)

// DefaultMaxUploadBytes caps uploaded files. Phone photos are well below.
const DefaultMaxUploadBytes = 32 << 20

// maxMemory is the part of a multipart upload kept in memory; the rest is
// buffered in temporary files by net/http.
const maxMemory = 8 << 20

type Server struct {
	Converter *convert.Converter
	Auth      *auth.Authenticator

	// MaxUploadBytes defaults to DefaultMaxUploadBytes.
	MaxUploadBytes int64
}

// shiftPath from
// https://blog.merovius.de/2017/06/18/how-not-to-use-an-http-router.html:

// shiftPath splits off the first component of p, which will be cleaned of
// relative components before processing. head will never contain a slash and
// tail will always be a rooted path without trailing slash.
func shiftPath(p string) (head, tail string) {
	p = path.Clean("/" + p)
	i := strings.Index(p[1:], "/") + 1
	if i <= 0 {
		return p[1:], "/"
	}
	return p[1:i], p[i:]
}

func requireMethod(r *http.Request, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	return httperr.Error(
		http.StatusMethodNotAllowed,
		fmt.Errorf("unexpected HTTP method: got %v, want %v", r.Method, strings.Join(methods, " or ")))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, err = w.Write(append(b, '\n'))
	return err
}

type authedHandler func(w http.ResponseWriter, r *http.Request, sub string) error

// handle wraps h with error handling and a per-request trace, which is
// available from the request context.
func (s *Server) handle(family string, h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return httperr.Handle(func(w http.ResponseWriter, r *http.Request) error {
		tr := trace.New("api."+family, r.URL.Path)
		defer tr.Finish()
		r = r.WithContext(trace.NewContext(r.Context(), tr))
		err := h(w, r)
		if err != nil {
			tr.LazyPrintf("%v", err)
			tr.SetError()
		}
		return err
	})
}

func (s *Server) authenticated(h authedHandler) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		sub, err := s.Auth.Subject(r)
		if err != nil {
			return httperr.Error(http.StatusUnauthorized, err)
		}
		if tr, ok := trace.FromContext(r.Context()); ok {
			tr.LazyPrintf("authenticated as %q", sub)
		}
		return h(w, r, sub)
	}
}

func (s *Server) maxUploadBytes() int64 {
	if s.MaxUploadBytes <= 0 {
		return DefaultMaxUploadBytes
	}
	return s.MaxUploadBytes
}

type upload struct {
	name        string
	contentType string
	b           []byte
}

// readUpload returns the multipart form field "file".
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	limit := s.maxUploadBytes()
	tooLarge := httperr.Error(
		http.StatusRequestEntityTooLarge,
		fmt.Errorf("upload exceeds %d bytes", limit))
	if r.ContentLength > limit {
		return nil, tooLarge
	}
	// Allow for the multipart framing around the file.
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, tooLarge
		}
		return nil, httperr.Error(http.StatusBadRequest, fmt.Errorf("parsing multipart form: %v", err))
	}
	defer r.MultipartForm.RemoveAll()
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, httperr.Error(http.StatusBadRequest, fmt.Errorf("form field file: %v", err))
	}
	defer f.Close()
	if hdr.Size > limit {
		return nil, tooLarge
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &upload{
		name:        hdr.Filename,
		contentType: hdr.Header.Get("Content-Type"),
		b:           b,
	}, nil
}

type recordResponse struct {
	*convert2pdf.Record
	OutputName string `json:"output_name"`

	// SingleUse tells clients that the first complete download removes
	// the conversion from the server.
	SingleUse bool `json:"single_use"`
}

func newRecordResponse(rec *convert2pdf.Record) recordResponse {
	return recordResponse{Record: rec, OutputName: rec.OutputName(), SingleUse: true}
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request, sub string) error {
	if err := requireMethod(r, "POST"); err != nil {
		return err
	}
	u, err := s.readUpload(w, r)
	if err != nil {
		return err
	}
	req := &convert2pdf.Request{
		Source:       u.b,
		Name:         u.name,
		DeclaredType: u.contentType,
	}
	rec, err := s.Converter.Convert(r.Context(), req, sub)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/api/conversions/"+rec.ID)
	return writeJSON(w, http.StatusCreated, newRecordResponse(rec))
}

func (s *Server) importPDF(w http.ResponseWriter, r *http.Request, sub string) error {
	if err := requireMethod(r, "POST"); err != nil {
		return err
	}
	u, err := s.readUpload(w, r)
	if err != nil {
		return err
	}
	rec, err := s.Converter.Import(r.Context(), u.name, u.b, sub)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/api/conversions/"+rec.ID)
	return writeJSON(w, http.StatusCreated, newRecordResponse(rec))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, sub string) error {
	if err := requireMethod(r, "GET"); err != nil {
		return err
	}
	recs, err := s.Converter.List(r.Context(), sub)
	if err != nil {
		return err
	}
	resp := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, newRecordResponse(rec))
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *Server) conversion(w http.ResponseWriter, r *http.Request, sub string) error {
	var id, verb string
	id, r.URL.Path = shiftPath(r.URL.Path)
	verb, _ = shiftPath(r.URL.Path)
	if id == "" {
		return s.list(w, r, sub)
	}
	switch verb {
	case "":
		switch r.Method {
		case "GET":
			rec, err := s.Converter.Get(r.Context(), id, sub)
			if err != nil {
				return err
			}
			return writeJSON(w, http.StatusOK, newRecordResponse(rec))
		case "DELETE":
			if err := s.Converter.Delete(r.Context(), id, sub); err != nil {
				return err
			}
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		return requireMethod(r, "GET", "DELETE")

	case "download":
		if err := requireMethod(r, "GET"); err != nil {
			return err
		}
		return s.download(w, r, id, sub)
	}
	return httperr.Error(
		http.StatusNotFound,
		fmt.Errorf("verb %q not found", verb))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, id, sub string) error {
	d, err := s.Converter.FetchAndPurge(r.Context(), id, sub)
	if err != nil {
		return err
	}
	defer d.Close()
	h := w.Header()
	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Length", strconv.FormatInt(d.Size(), 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": d.Record.OutputName(),
	}))
	h.Set("Cache-Control", "no-store")
	if err := d.Deliver(r.Context(), flushWriter{w, http.NewResponseController(w)}); err != nil {
		// The response is already (partially) sent.
		log.Printf("delivering %s: %v (state %v)", id, err, d.State())
	}
	return nil
}

// flushWriter reports whether buffered response data reached the
// connection.
type flushWriter struct {
	io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Flush() error { return f.rc.Flush() }

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, "POST"); err != nil {
		return err
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return httperr.Error(http.StatusBadRequest, fmt.Errorf("decoding login request: %v", err))
	}
	token, err := s.Auth.Login(w, r, req.User, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			return httperr.Error(http.StatusUnauthorized, err)
		}
		return err
	}
	return writeJSON(w, http.StatusOK, struct {
		Token string `json:"token"`
	}{token})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, "POST"); err != nil {
		return err
	}
	if err := s.Auth.Logout(w, r); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})
	mux.Handle("/api/login", s.handle("login", s.login))
	mux.Handle("/api/logout", s.handle("logout", s.logout))
	mux.Handle("/api/convert", s.handle("convert", s.authenticated(s.convert)))
	mux.Handle("/api/import", s.handle("import", s.authenticated(s.importPDF)))
	mux.Handle("/api/conversions", s.handle("list", s.authenticated(s.list)))
	mux.Handle("/api/conversions/", s.handle("conversion", s.authenticated(
		func(w http.ResponseWriter, r *http.Request, sub string) error {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, "/api/conversions")
			return s.conversion(w, r, sub)
		})))
	return mux
}
