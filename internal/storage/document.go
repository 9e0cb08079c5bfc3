// Package storage persists per-session module configuration: a single
// JSON document of namespace/key/value entries kept in memory for reads
// and flushed to a pluggable backend. The canonical backend stores the
// document as chunked messages in a chat reachable through the session
// itself; an embedded SQLite backend and an in-memory backend cover local
// and test deployments.
package storage

import (
	"encoding/json"
	"fmt"
)

// Document is the decoded configuration structure: namespace → key →
// value. Values are anything JSON can represent.
type Document map[string]map[string]any

// Get returns the value at (namespace, key) and whether it exists.
func (d Document) Get(namespace, key string) (any, bool) {
	ns, ok := d[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// Set stores value at (namespace, key), creating the namespace as needed.
func (d Document) Set(namespace, key string, value any) {
	ns, ok := d[namespace]
	if !ok {
		ns = make(map[string]any)
		d[namespace] = ns
	}
	ns[key] = value
}

// Delete removes (namespace, key). Emptied namespaces are dropped so the
// serialized form carries no husks.
func (d Document) Delete(namespace, key string) {
	ns, ok := d[namespace]
	if !ok {
		return
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(d, namespace)
	}
}

// Marshal serializes the document. encoding/json writes map keys in
// sorted order, so equal documents produce identical bytes.
func (d Document) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return data, nil
}

// ParseDocument decodes bytes produced by Marshal. Empty input yields an
// empty document rather than an error; anything undecodable is reported
// as ErrCorrupt.
func ParseDocument(data []byte) (Document, error) {
	if len(data) == 0 {
		return make(Document), nil
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if d == nil {
		d = make(Document)
	}
	return d, nil
}
