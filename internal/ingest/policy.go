// Copyright (c) 2026 John Earle
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

package ingest

import (
	"net/mail"
	"path/filepath"
	"strings"
)

// DefaultAllowedExtensions lists the attachment types stored under a case.
var DefaultAllowedExtensions = []string{"pdf", "jpg", "jpeg", "png", "doc", "docx", "txt"}

// NormalizeAddress reduces a From header value to the bare lower-cased
// address, so `"Alice Martin" <alice@x.com>`, `alice@x.com` and
// `ALICE@X.COM` all yield the same lookup key.
func NormalizeAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(strings.TrimSpace(addr.Address))
	}

	// Headers that net/mail rejects, e.g. unquoted display names with commas.
	if open := strings.LastIndex(from, "<"); open >= 0 {
		if end := strings.Index(from[open:], ">"); end > 0 {
			from = from[open+1 : open+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// extension returns the lower-cased extension of filename without the dot.
func extension(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))
}

type extensionSet map[string]struct{}

func newExtensionSet(exts []string) extensionSet {
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	set := make(extensionSet, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))] = struct{}{}
	}
	return set
}

func (s extensionSet) allows(filename string) bool {
	ext := extension(filename)
	if ext == "" {
		return false
	}
	_, ok := s[ext]
	return ok
}
