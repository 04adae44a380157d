// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tokenstore persists Tokenizer resolutions across profiler
// restarts so a module's token set doesn't need to be re-minted from the
// CLR metadata emitter on every attach.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"go.mozilla.org/pkcs7"
)

// ErrUntrustedCache is returned when a cache file's detached signature
// cannot be parsed or fails to verify. A signature file that cannot be
// read is reported as a read error instead.
var ErrUntrustedCache = errors.New("tokenstore: cache signature did not verify")

// Entry is one resolved (string key, token) pair, keyed by whatever the
// caller used to request it (a type+member name, a user-string literal,
// and so on).
type Entry struct {
	Key   string `json:"key"`
	Token uint32 `json:"token"`
}

// TokenCache is an in-memory snapshot of resolved tokens, loadable from
// and savable to disk.
type TokenCache struct {
	ModuleID string  `json:"module_id"`
	Entries  []Entry `json:"entries"`
}

// Lookup returns the token for key and whether it was present.
func (c *TokenCache) Lookup(key string) (uint32, bool) {
	for _, e := range c.Entries {
		if e.Key == key {
			return e.Token, true
		}
	}
	return 0, false
}

// Put inserts or replaces the token cached for key.
func (c *TokenCache) Put(key string, token uint32) {
	for i, e := range c.Entries {
		if e.Key == key {
			c.Entries[i].Token = token
			return
		}
	}
	c.Entries = append(c.Entries, Entry{Key: key, Token: token})
}

// Save writes the cache as JSON to path.
func (c *TokenCache) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: marshaling cache: %w", err)
	}
	return ioutil.WriteFile(path, data, 0o644)
}

// Load reads an unsigned cache file from disk. Use LoadSigned instead
// when the cache crosses a trust boundary (shared storage, a sidecar
// that isn't the profiler process itself).
func Load(path string) (*TokenCache, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: reading cache: %w", err)
	}
	var c TokenCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tokenstore: decoding cache: %w", err)
	}
	return &c, nil
}

// LoadSigned reads a cache file plus a PKCS#7 detached signature
// (sigPath, DER-encoded) covering its raw bytes, verifies the signature,
// and only then decodes the cache. A tampered or re-signed-by-nobody
// cache file is rejected rather than silently feeding wrong tokens into
// the rewriter.
func LoadSigned(path, sigPath string) (*TokenCache, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: reading cache: %w", err)
	}
	sig, err := ioutil.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: reading cache signature: %w", err)
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing PKCS#7 signature: %v", ErrUntrustedCache, err)
	}
	// Detached signatures carry no content of their own; the signed
	// payload is supplied out of band, same as Authenticode's security
	// directory pairs a detached signature with the PE image bytes it
	// covers.
	p7.Content = data
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedCache, err)
	}

	var c TokenCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tokenstore: decoding verified cache: %w", err)
	}
	return &c, nil
}

// Remove deletes a cache file and its signature, if present. Missing
// files are not an error.
func Remove(path, sigPath string) error {
	for _, p := range []string{path, sigPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("tokenstore: removing %s: %w", p, err)
		}
	}
	return nil
}
