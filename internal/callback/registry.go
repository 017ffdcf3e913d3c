// Package callback lets application code answer queries for OIDs the
// engine's static tree does not cover.
//
// Handlers are consulted in registration order and the first matching
// pattern wins, even when a later pattern would match more of the OID.
// Register the most specific patterns first.
//
// A pattern matches a query when, scanning both left to right, either the
// whole query is consumed or the whole pattern is. A '*' in the pattern
// matches the character at its position and ends the comparison, so
// "1.3.6.1.4.1.9999.*" matches "1.3.6.1.4.1.9999.2.1" and "1.3.6.1.4.1.9999".
// A pattern without '*' is a literal prefix. Matching is case-sensitive.
package callback

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no registered pattern matched the query.
	ErrNotFound = errors.New("no handler matches oid")
	// ErrNoValue means a handler matched but declined to answer.
	ErrNoValue = errors.New("handler returned no value")
	// ErrFrozen is returned by Register once the registry is in service.
	ErrFrozen = errors.New("callback registry is frozen")

	ErrShortBuffer = errors.New("value buffer too small")
)

// Wildcard ends a pattern comparison and matches the character at its position.
const Wildcard = '*'

// ValueSize is the encoded size of a handler value.
const ValueSize = 4

// Handler resolves a query OID. ok is false when the handler has no value
// for this particular OID.
type Handler interface {
	Resolve(oid string, entry *Entry) (value int32, ok bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(oid string, entry *Entry) (int32, bool)

func (f HandlerFunc) Resolve(oid string, entry *Entry) (int32, bool) {
	return f(oid, entry)
}

// Constant returns a handler that always answers v.
func Constant(v int32) Handler {
	return HandlerFunc(func(string, *Entry) (int32, bool) { return v, true })
}

// Entry is one registered pattern.
type Entry struct {
	Pattern string
	Handler Handler
}

// Registry is an append-only, ordered list of entries. It is not safe for
// concurrent use: register everything before the engine starts, then only
// dispatch from the engine's goroutine.
type Registry struct {
	entries []*Entry
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a handler. Patterns are not validated and duplicates are
// allowed; the earlier registration always wins.
func (r *Registry) Register(pattern string, h Handler) (*Entry, error) {
	if r.frozen {
		return nil, fmt.Errorf("register %q: %w", pattern, ErrFrozen)
	}
	e := &Entry{Pattern: pattern, Handler: h}
	r.entries = append(r.entries, e)
	return e, nil
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(pattern string, f func(oid string, entry *Entry) (int32, bool)) (*Entry, error) {
	return r.Register(pattern, HandlerFunc(f))
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Len is the number of registered entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns the entries in priority order.
func (r *Registry) Entries() []*Entry {
	return append([]*Entry(nil), r.entries...)
}

// Lookup returns the first entry whose pattern accepts oid.
func (r *Registry) Lookup(oid string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	for _, e := range r.entries {
		if e.Handler == nil {
			continue
		}
		if Matches(oid, e.Pattern) {
			return e, true
		}
	}
	return nil, false
}

// Dispatch invokes the first matching handler. It returns ErrNotFound when
// nothing matches and ErrNoValue when the matching handler declines; later
// entries are not consulted in either case once one has matched.
func (r *Registry) Dispatch(oid string) (int32, error) {
	e, ok := r.Lookup(oid)
	if !ok {
		return 0, ErrNotFound
	}
	v, ok := e.Handler.Resolve(oid, e)
	if !ok {
		return 0, ErrNoValue
	}
	return v, nil
}

// DispatchInto writes the handler value into out in native byte order and
// returns the number of bytes written, 0 when there is no value.
func (r *Registry) DispatchInto(oid string, out []byte) (int, error) {
	if len(out) < ValueSize {
		return 0, ErrShortBuffer
	}
	v, err := r.Dispatch(oid)
	if err != nil {
		return 0, err
	}
	binary.NativeEndian.PutUint32(out, uint32(v))
	return ValueSize, nil
}

// MatchLength returns how far query and pattern agree. The scan stops at the
// end of either string, at the first differing character, or just past a
// wildcard in the pattern.
func MatchLength(query, pattern string) int {
	n := 0
	for n < len(query) && n < len(pattern) {
		if pattern[n] == Wildcard {
			return n + 1
		}
		if query[n] != pattern[n] {
			return n
		}
		n++
	}
	return n
}

// Matches reports whether pattern accepts query. An empty pattern only
// accepts the empty query.
func Matches(query, pattern string) bool {
	if pattern == "" {
		return query == ""
	}
	m := MatchLength(query, pattern)
	return m >= len(query) || m == len(pattern)
}
