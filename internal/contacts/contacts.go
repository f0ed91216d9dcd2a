// Package contacts holds the in-memory contact resolution cache used to name
// direct chats. It is rebuilt on every launch from the device contacts file
// and from participant records seen during sync.
package contacts

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Contact is a resolved display identity.
type Contact struct {
	Name   string `toml:"name"`
	Phone  string `toml:"phone"`
	Avatar string `toml:"avatar"`
}

type file struct {
	Contact []Contact `toml:"contact"`
}

// Cache maps normalized phone numbers to contacts.
type Cache struct {
	countryCode string
	logger      *zap.Logger

	mu      sync.RWMutex
	byPhone map[string]Contact
}

// NewCache creates an empty cache. countryCode is the calling code assumed
// for numbers written without one; empty disables that assumption.
func NewCache(countryCode string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		countryCode: digits(countryCode),
		logger:      logger.With(zap.String("component", "contacts")),
		byPhone:     make(map[string]Contact),
	}
}

// LoadFile adds every [[contact]] entry of a TOML file. A missing file is not
// an error. Returns the number of contacts added.
func (c *Cache) LoadFile(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("load contacts %s: %w", path, err)
	}
	n := 0
	for _, ct := range f.Contact {
		if c.Add(ct) {
			n++
		}
	}
	c.logger.Info("contacts loaded", zap.String("path", path), zap.Int("count", n))
	return n, nil
}

// Add stores ct under its normalized phone. Entries without a usable phone or
// name are ignored. An existing entry is only overwritten field by field with
// non-empty values.
func (c *Cache) Add(ct Contact) bool {
	key := c.Normalize(ct.Phone)
	if key == "" || ct.Name == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.byPhone[key]
	if ok {
		if ct.Avatar == "" {
			ct.Avatar = prev.Avatar
		}
	}
	ct.Phone = key
	c.byPhone[key] = ct
	return true
}

// Lookup returns the contact for a phone number in any common notation.
func (c *Cache) Lookup(phone string) (Contact, bool) {
	key := c.Normalize(phone)
	if key == "" {
		return Contact{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.byPhone[key]
	return ct, ok
}

// Len returns the number of cached contacts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byPhone)
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.byPhone = make(map[string]Contact)
	c.mu.Unlock()
}

// Format renders a phone number for display, using the cache's country code
// for numbers written without one.
func (c *Cache) Format(phone string) string {
	return FormatPhone(phone, c.countryCode)
}

// Normalize returns the digits of phone with the calling code applied, or ""
// when it has too few digits to be a phone number.
func (c *Cache) Normalize(phone string) string {
	return normalize(phone, c.countryCode)
}
