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

// Package auth authenticates API callers, either by bearer token or by
// session cookie.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthenticated is returned when a request carries no valid
	// credentials.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrBadCredentials is returned for an unknown user or a wrong password.
	ErrBadCredentials = errors.New("invalid user name or password")
)

type User struct {
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
}

// Directory is a mutex-protected set of users, loaded from a JSON file
// containing a list of User objects.
type Directory struct {
	mu    sync.Mutex
	users map[string]*User
}

// dummyHash is compared against for unknown users, so that response times
// do not reveal which users exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("convert2pdf"), bcrypt.DefaultCost)

func NewDirectory(users ...*User) *Directory {
	d := &Directory{users: make(map[string]*User)}
	for _, u := range users {
		d.users[u.Name] = u
	}
	return d
}

// LoadDirectory reads the users file at path. A missing file results in an
// empty directory, so that nobody can log in.
func LoadDirectory(path string) (*Directory, error) {
	d := NewDirectory()
	if err := d.UpdateFromFile(path); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateFromFile replaces the users with the contents of path. If path
// does not exist, the directory is emptied.
func (d *Directory) UpdateFromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.users = make(map[string]*User)
			return nil
		}
		return err
	}
	var list []*User
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	users := make(map[string]*User, len(list))
	for _, u := range list {
		if u.Name == "" {
			return fmt.Errorf("%s: user without name", path)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("%s: user %q: %v", path, u.Name, err)
		}
		users[u.Name] = u
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = users
	return nil
}

// Exists reports whether user name is (still) in the directory.
func (d *Directory) Exists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.users[name]
	return ok
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

// Authenticate returns ErrBadCredentials unless password matches the hash
// of user name.
func (d *Directory) Authenticate(name, password string) error {
	d.mu.Lock()
	u := d.users[name]
	d.mu.Unlock()
	hash := dummyHash
	if u != nil {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || u == nil {
		return ErrBadCredentials
	}
	return nil
}

// HashPassword returns the bcrypt hash to store in the users file.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoadKey reads the secret key at path, generating a new random key of
// length n if the file does not exist yet.
func LoadKey(path string, n int) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) != n {
			return nil, fmt.Errorf("%s: key has length %d, want %d", path, len(secret), n)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	secret = securecookie.GenerateRandomKey(n)
	if secret == nil {
		return nil, fmt.Errorf("generating random key failed")
	}
	if err := renameio.WriteFile(path, secret, 0600); err != nil {
		return nil, err
	}
	return secret, nil
}

type claims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
}

const tokenName = "convert2pdf-token"

// Tokens issues and verifies signed, encrypted bearer tokens.
type Tokens struct {
	codec  *securecookie.SecureCookie
	maxAge time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewTokens returns Tokens using key (64 bytes: 32 for the HMAC, 32 for
// AES-256) which expire after maxAge.
func NewTokens(key []byte, maxAge time.Duration) (*Tokens, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("token key has length %d, want 64", len(key))
	}
	codec := securecookie.New(key[:32], key[32:])
	codec.SetSerializer(securecookie.JSONEncoder{})
	// Expiry is checked against the iat claim, so that it uses Now.
	codec.MaxAge(0)
	return &Tokens{codec: codec, maxAge: maxAge}, nil
}

func (t *Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tokens) Issue(sub string) (string, error) {
	return t.codec.Encode(tokenName, &claims{Sub: sub, Iat: t.now().Unix()})
}

// Verify returns the subject of token, or ErrUnauthenticated.
func (t *Tokens) Verify(token string) (string, error) {
	var c claims
	if err := t.codec.Decode(tokenName, token, &c); err != nil {
		return "", ErrUnauthenticated
	}
	issued := time.Unix(c.Iat, 0)
	if c.Sub == "" || t.now().Sub(issued) > t.maxAge || issued.After(t.now().Add(time.Minute)) {
		return "", ErrUnauthenticated
	}
	return c.Sub, nil
}

const sessionName = "convert2pdf"

// NewSessionStore returns a session store persisted in dir.
func NewSessionStore(dir string, hashKey []byte, maxAge time.Duration) (*sessions.FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	store := sessions.NewFilesystemStore(dir, hashKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return store, nil
}

// Authenticator resolves the user making a request.
type Authenticator struct {
	Users    *Directory
	Tokens   *Tokens
	Sessions sessions.Store
}

// Login checks the credentials, starts a session and returns a bearer
// token for clients which do not keep cookies.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request, name, password string) (string, error) {
	if err := a.Users.Authenticate(name, password); err != nil {
		return "", err
	}
	token, err := a.Tokens.Issue(name)
	if err != nil {
		return "", err
	}
	if a.Sessions != nil {
		// A stale cookie fails to decode; a fresh session replaces it.
		session, _ := a.Sessions.Get(r, sessionName)
		session.Values["sub"] = name
		if err := session.Save(r, w); err != nil {
			return "", err
		}
	}
	return token, nil
}

func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request) error {
	if a.Sessions == nil {
		return nil
	}
	session, err := a.Sessions.Get(r, sessionName)
	if err != nil {
		return nil // no valid session, nothing to clear
	}
	delete(session.Values, "sub")
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// Subject returns the authenticated user of r: from the bearer token if
// present, from the session cookie otherwise. Users removed from the
// directory are no longer authenticated.
func (a *Authenticator) Subject(r *http.Request) (string, error) {
	sub, err := a.subject(r)
	if err != nil {
		return "", err
	}
	if !a.Users.Exists(sub) {
		return "", ErrUnauthenticated
	}
	return sub, nil
}

func (a *Authenticator) subject(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", ErrUnauthenticated
		}
		return a.Tokens.Verify(strings.TrimSpace(strings.TrimPrefix(h, prefix)))
	}
	if a.Sessions == nil {
		return "", ErrUnauthenticated
	}
	session, err := a.Sessions.Get(r, sessionName)
	if err != nil {
		return "", ErrUnauthenticated
	}
	sub, ok := session.Values["sub"].(string)
	if !ok || sub == "" {
		return "", ErrUnauthenticated
	}
	return sub, nil
}
