// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"container/list"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/mapbroker/lib/config"
)

// ErrNotFound means a key names no resource.
var ErrNotFound = errors.New("resource: not found")

// Resource is a loaded document.
type Resource struct {
	Key         string
	Data        []byte
	ContentType string

	// ETag is a quoted BLAKE3 digest of Data, usable as an HTTP
	// entity tag.
	ETag string

	ModTime time.Time
}

// Protocol loads resources for one key scheme.
type Protocol interface {
	// Load returns the resource at path. When current is non-nil and
	// still up to date, Load returns it with changed false.
	Load(path string, current *Resource) (resource *Resource, changed bool, err error)
}

// NewProtocol builds the protocol registered for scheme.
func NewProtocol(scheme string, settings config.ProtocolConfig) (Protocol, error) {
	switch scheme {
	case "file":
		return NewFileProtocol(settings.Root)
	default:
		return nil, fmt.Errorf("resource: unknown protocol %q", scheme)
	}
}

// Cache holds up to a fixed number of resources, evicting the least
// recently used.
type Cache struct {
	capacity  int
	protocols map[string]Protocol

	mu      sync.Mutex
	order   *list.List // front is most recently used; values are *Resource
	entries map[string]*list.Element
}

// NewCache returns an empty cache resolving keys through protocols.
func NewCache(capacity int, protocols map[string]Protocol) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("resource: cache capacity must be at least 1, got %d", capacity)
	}
	if len(protocols) == 0 {
		return nil, errors.New("resource: at least one protocol is required")
	}
	return &Cache{
		capacity:  capacity,
		protocols: protocols,
		order:     list.New(),
		entries:   make(map[string]*list.Element),
	}, nil
}

// NewCacheFromConfig builds the protocol registry and cache described
// by settings.
func NewCacheFromConfig(settings config.ResourcesConfig) (*Cache, error) {
	protocols := make(map[string]Protocol, len(settings.Protocols))
	for scheme, protocolSettings := range settings.Protocols {
		protocol, err := NewProtocol(scheme, protocolSettings)
		if err != nil {
			return nil, err
		}
		protocols[scheme] = protocol
	}
	return NewCache(settings.CacheSize, protocols)
}

// Schemes returns the registered schemes in sorted order.
func (c *Cache) Schemes() []string {
	schemes := make([]string, 0, len(c.protocols))
	for scheme := range c.protocols {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Lookup returns the resource for key, loading or reloading it if
// needed. updated is true when this call loaded new data. A failed
// reload of a cached key evicts it.
func (c *Cache) Lookup(key string) (resource *Resource, updated bool, err error) {
	scheme, path, ok := strings.Cut(key, ":")
	if !ok || scheme == "" || path == "" {
		return nil, false, fmt.Errorf("%w: malformed key %q (want scheme:path)", ErrNotFound, key)
	}
	protocol, ok := c.protocols[scheme]
	if !ok {
		return nil, false, fmt.Errorf("%w: no protocol for scheme %q", ErrNotFound, scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var current *Resource
	if element, ok := c.entries[key]; ok {
		current = element.Value.(*Resource)
	}
	resource, changed, err := protocol.Load(path, current)
	if err != nil {
		c.removeLocked(key)
		return nil, false, fmt.Errorf("loading %s: %w", key, err)
	}
	resource.Key = key

	if element, ok := c.entries[key]; ok {
		element.Value = resource
		c.order.MoveToFront(element)
	} else {
		c.entries[key] = c.order.PushFront(resource)
		for c.order.Len() > c.capacity {
			oldest := c.order.Back()
			c.removeLocked(oldest.Value.(*Resource).Key)
		}
	}
	return resource, changed, nil
}

// Remove drops key from the cache.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *Cache) removeLocked(key string) {
	if element, ok := c.entries[key]; ok {
		c.order.Remove(element)
		delete(c.entries, key)
	}
}

// Len returns the number of cached resources.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns the cached keys, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*Resource).Key)
	}
	return keys
}

// entityTag returns the quoted digest of data.
func entityTag(data []byte) string {
	sum := blake3.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
