package entities

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/events"
	"github.com/diwise/vertebrate/pkg/transport"
	"github.com/google/uuid"
)

const (
	ChangeEvent  string = "change"
	SyncEvent    string = "sync"
	DestroyEvent string = "destroy"
)

// ChangeEventFor returns the name of the event emitted when key changes
func ChangeEventFor(key string) string {
	return ChangeEvent + ":" + key
}

type Attributes map[string]any

// Kind describes a family of entities. An entity set only accepts members of
// its own kind.
type Kind struct {
	Name    string
	URLRoot string
	// Parse turns a response body into attributes. Defaults to decoding a json object.
	Parse func(resp *transport.Response) (Attributes, error)
}

var Generic = &Kind{Name: "Entity"}

func (k *Kind) parse(resp *transport.Response) (Attributes, error) {
	if k.Parse != nil {
		return k.Parse(resp)
	}

	attrs := Attributes{}
	if err := resp.JSON(&attrs); err != nil {
		return nil, errors.NewMalformedResponseBodyError(fmt.Sprintf("failed to decode %s: %s", k.Name, err.Error()))
	}

	if attrs == nil {
		return nil, errors.NewMalformedResponseBodyError(fmt.Sprintf("expected a json object for %s, got null", k.Name))
	}

	return attrs, nil
}

// Collection is the owning entity set as seen from one of its members.
type Collection interface {
	URL() (string, error)
	Remove(items ...any) []*Entity
}

// IdentifierGuard is implemented by collections that must approve the id a
// member is about to take.
type IdentifierGuard interface {
	CheckID(e *Entity, id any) error
}

var DefaultTransport transport.Transport = transport.NewHTTPTransport()

type EntityDecoratorFunc func(e *Entity)

func OfKind(kind *Kind) EntityDecoratorFunc {
	return func(e *Entity) {
		if kind != nil {
			e.kind = kind
		}
	}
}

func WithTransport(t transport.Transport) EntityDecoratorFunc {
	return func(e *Entity) {
		e.transport = t
	}
}

func InCollection(c Collection) EntityDecoratorFunc {
	return func(e *Entity) {
		e.collection = c
	}
}

// Entity is a bag of attributes that tracks its changes against the attributes
// it last synchronized with a remote peer. An Entity is not safe for
// concurrent use.
type Entity struct {
	events.Hub

	cid  string
	kind *Kind

	attributes Attributes
	previous   Attributes

	collection Collection
	transport  transport.Transport
	destroyed  bool
}

func New(attrs map[string]any, decorators ...EntityDecoratorFunc) (*Entity, error) {
	e := &Entity{
		cid:        uuid.New().String(),
		kind:       Generic,
		attributes: Attributes{},
	}

	for _, decorator := range decorators {
		decorator(e)
	}

	for k, v := range attrs {
		if v != nil {
			e.attributes[k] = v
		}
	}

	if id, ok := e.attributes[IDAttribute]; ok {
		normalized, err := NormalizeID(id)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", e.kind.Name, err)
		}
		e.attributes[IDAttribute] = normalized
	}

	e.previous = maps.Clone(e.attributes)

	return e, nil
}

// CID is a client side identifier, unique for every Entity value
func (e *Entity) CID() string {
	return e.cid
}

func (e *Entity) Kind() *Kind {
	return e.kind
}

func (e *Entity) ID() any {
	return e.attributes[IDAttribute]
}

func (e *Entity) Get(key string) any {
	return e.attributes[key]
}

// Attributes returns a shallow copy of the live attributes
func (e *Entity) Attributes() Attributes {
	return maps.Clone(e.attributes)
}

func (e *Entity) Collection() Collection {
	return e.collection
}

// Attach and Detach keep the back reference to the owning set in line with its
// membership. They are meant to be called by the set itself.

func (e *Entity) Attach(c Collection) {
	e.collection = c
}

func (e *Entity) Detach(c Collection) {
	if e.collection == c {
		e.collection = nil
	}
}

func (e *Entity) Set(key string, value any) (*Entity, error) {
	return e.SetAttributes(Attributes{key: value})
}

// SetAttributes updates every key whose value differs from the current one.
// Setting a key to nil removes it. A change:<key> event is emitted for every
// changed key, in key order, followed by a single change event.
func (e *Entity) SetAttributes(attrs map[string]any) (*Entity, error) {
	return e, e.set(attrs, false)
}

func (e *Entity) Unset(key string) (*Entity, error) {
	return e.Set(key, nil)
}

func (e *Entity) set(attrs map[string]any, silent bool) error {
	if v, ok := attrs[IDAttribute]; ok {
		id, err := e.checkID(v)
		if err != nil {
			return err
		}

		attrs = maps.Clone(attrs)
		attrs[IDAttribute] = id
	}

	next := maps.Clone(e.attributes)
	for k, v := range attrs {
		if v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
	}

	e.replace(next, silent)

	return nil
}

func (e *Entity) checkID(v any) (any, error) {
	id, err := NormalizeID(v)
	if err != nil {
		return nil, err
	}

	current := e.ID()
	if current != nil && current != id {
		return nil, errors.NewIdentifierImmutableError(current, v)
	}

	if current == nil && id != nil {
		if guard, ok := e.collection.(IdentifierGuard); ok {
			if err := guard.CheckID(e, id); err != nil {
				return nil, err
			}
		}
	}

	return id, nil
}

// replace swaps the live attributes for next and announces the keys that changed
func (e *Entity) replace(next Attributes, silent bool) {
	changed := []string{}
	for _, k := range unionOfKeys(e.attributes, next) {
		if !sameValue(e.attributes[k], next[k]) {
			changed = append(changed, k)
		}
	}

	e.attributes = next

	if silent || len(changed) == 0 {
		return
	}

	for _, k := range changed {
		e.Emit(ChangeEventFor(k), e.attributes[k])
	}

	e.Emit(ChangeEvent)
}

// Has reports whether every key holds a value
func (e *Entity) Has(keys ...string) bool {
	for _, k := range keys {
		if e.attributes[k] == nil {
			return false
		}
	}
	return true
}

// HasChanged reports whether any of the keys differs from the last synchronized
// state. Without keys every attribute is considered.
func (e *Entity) HasChanged(keys ...string) bool {
	if len(keys) == 0 {
		keys = unionOfKeys(e.attributes, e.previous)
	}

	for _, k := range keys {
		if !sameValue(e.attributes[k], e.previous[k]) {
			return true
		}
	}

	return false
}

// ChangedAttributes maps every changed key to its live value. Keys that have
// been removed map to nil.
func (e *Entity) ChangedAttributes() Attributes {
	changed := Attributes{}
	for _, k := range unionOfKeys(e.attributes, e.previous) {
		if !sameValue(e.attributes[k], e.previous[k]) {
			changed[k] = e.attributes[k]
		}
	}
	return changed
}

func (e *Entity) Previous(key string) any {
	return e.previous[key]
}

// PreviousAttributes returns a fresh copy of the last synchronized attributes
func (e *Entity) PreviousAttributes() Attributes {
	return maps.Clone(e.previous)
}

func (e *Entity) IsNew() bool {
	return e.ID() == nil
}

func (e *Entity) IsDestroyed() bool {
	return e.destroyed
}

func (e *Entity) URLRoot() (string, error) {
	if e.kind.URLRoot == "" {
		return "", fmt.Errorf("no url root for %s (%w)", e.kind.Name, errors.ErrNotImplemented)
	}
	return e.kind.URLRoot, nil
}

func (e *Entity) URL() (string, error) {
	if e.IsNew() {
		return "", fmt.Errorf("no url for %s %s (%w)", e.kind.Name, e.cid, errors.ErrEntityIsNew)
	}

	root, err := e.rootURL()
	if err != nil {
		return "", err
	}

	return strings.TrimSuffix(root, "/") + "/" + idPathSegment(e.ID()), nil
}

func (e *Entity) rootURL() (string, error) {
	if e.collection != nil {
		u, err := e.collection.URL()
		if err == nil || !errors.Is(err, errors.ErrNoURLConfigured) {
			return u, err
		}
	}
	return e.URLRoot()
}

func idPathSegment(id any) string {
	switch v := id.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return url.PathEscape(v)
	}
	return fmt.Sprint(id)
}

// Reset replaces the last synchronized state with payload. The live attributes
// become payload as well, unless keepLocal is set in which case live values
// win over payload values for keys present in both.
func (e *Entity) Reset(payload map[string]any, keepLocal bool, options ...SyncOption) error {
	o := newSyncOptions(options)

	snapshot := Attributes{}
	for k, v := range payload {
		if v != nil {
			snapshot[k] = v
		}
	}

	if v, ok := snapshot[IDAttribute]; ok {
		id, err := NormalizeID(v)
		if err != nil {
			return err
		}
		snapshot[IDAttribute] = id
	}

	next := maps.Clone(snapshot)
	if keepLocal {
		maps.Copy(next, e.attributes)
	}

	if current := e.ID(); current != nil && next[IDAttribute] == nil {
		next[IDAttribute] = current
	}

	if _, err := e.checkID(next[IDAttribute]); err != nil {
		return err
	}

	e.previous = snapshot
	e.replace(next, o.silent)

	return nil
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.attributes)
}

func (e *Entity) String() string {
	if e.IsNew() {
		return fmt.Sprintf("%s(%s)", e.kind.Name, e.cid)
	}
	return fmt.Sprintf("%s(%v)", e.kind.Name, e.ID())
}

func (e *Entity) transportOrDefault() transport.Transport {
	if e.transport != nil {
		return e.transport
	}
	return DefaultTransport
}

func unionOfKeys(a, b Attributes) []string {
	keys := slices.Collect(maps.Keys(a))
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
