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

package store_test

import (
	"testing"

	"github.com/stapelberg/convert2pdf/internal/store"
)

func TestValidKey(t *testing.T) {
	for _, tt := range []struct {
		key   string
		valid bool
	}{
		{"0b5e4c1e-3c4e-4a8f-9d0e-0f6f1d2a3b4c.pdf", true},
		{"a", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc/passwd", false},
		{`..\boot.ini`, false},
		{"a\x00b", false},
	} {
		err := store.ValidKey(tt.key)
		if got, want := err == nil, tt.valid; got != want {
			t.Errorf("ValidKey(%q) = %v, want valid=%v", tt.key, err, want)
		}
	}
}
