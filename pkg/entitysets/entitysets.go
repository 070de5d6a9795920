package entitysets

import (
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"reflect"
	"slices"

	"github.com/diwise/vertebrate/pkg/entities"
	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/events"
	"github.com/diwise/vertebrate/pkg/transport"
)

const (
	AddEvent     string = "add"
	RemoveEvent  string = "remove"
	ReplaceEvent string = "replace"
	UpdateEvent  string = "update"
	SortEvent    string = "sort"
	SyncEvent    string = entities.SyncEvent
)

// Strategy decides what Add does with an item whose id is already represented
type Strategy int

const (
	Ignore Strategy = iota
	Replace
	MergeNewIntoOld
	MergeOldIntoNew
)

func (s Strategy) String() string {
	switch s {
	case Ignore:
		return "ignore"
	case Replace:
		return "replace"
	case MergeNewIntoOld:
		return "mergeNewIntoOld"
	case MergeOldIntoNew:
		return "mergeOldIntoNew"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

type addOptions struct {
	duplicates Strategy
}

type AddOption func(*addOptions)

func HandleDuplicates(strategy Strategy) AddOption {
	return func(o *addOptions) {
		o.duplicates = strategy
	}
}

// membership holds the listeners a set registered on one of its members
type membership struct {
	entity *entities.Entity
	relay  *events.GenericListener
	resort *events.Listener
}

// Set is an ordered collection of entities of a single kind, with at most one
// member per id. Member events are re-emitted on the set with the member as
// the first argument. A Set is not safe for concurrent use.
type Set struct {
	events.Hub

	kind       *entities.Kind
	url        string
	comparator Comparator
	transport  transport.Transport

	members []*membership
}

type SetDecoratorFunc func(s *Set)

func Of(kind *entities.Kind) SetDecoratorFunc {
	return func(s *Set) {
		if kind != nil {
			s.kind = kind
		}
	}
}

func URL(u string) SetDecoratorFunc {
	return func(s *Set) {
		s.url = u
	}
}

func SortedBy(comparator Comparator) SetDecoratorFunc {
	return func(s *Set) {
		if comparator != nil {
			s.comparator = comparator
		}
	}
}

func WithTransport(t transport.Transport) SetDecoratorFunc {
	return func(s *Set) {
		s.transport = t
	}
}

func New(decorators ...SetDecoratorFunc) *Set {
	s := &Set{
		kind:       entities.Generic,
		comparator: DefaultComparator,
	}

	for _, decorator := range decorators {
		decorator(s)
	}

	return s
}

func (s *Set) Kind() *entities.Kind {
	return s.kind
}

func (s *Set) URL() (string, error) {
	if s.url == "" {
		return "", fmt.Errorf("no url for set of %s (%w)", s.kind.Name, errors.ErrNoURLConfigured)
	}
	return s.url, nil
}

// Add inserts attribute maps and entities, or slices of them, into the set.
// Every item is validated before the set is touched. A single update event
// follows the events of the individual items.
func (s *Set) Add(items any, options ...AddOption) error {
	o := addOptions{duplicates: Ignore}
	for _, option := range options {
		option(&o)
	}

	candidates := []*entities.Entity{}
	for _, item := range flatten(items) {
		e, err := s.vivify(item)
		if err != nil {
			return err
		}
		candidates = append(candidates, e)
	}

	for _, e := range candidates {
		if s.indexOf(e) >= 0 {
			continue
		}

		if e.IsNew() {
			s.addNew(e)
			continue
		}

		existing := s.indexOfID(e.ID())
		if existing < 0 {
			s.addNew(e)
			continue
		}

		if err := s.handleDuplicate(existing, e, o.duplicates); err != nil {
			return err
		}
	}

	s.Emit(UpdateEvent)

	return nil
}

func (s *Set) vivify(item any) (*entities.Entity, error) {
	var attrs map[string]any

	switch v := item.(type) {
	case *entities.Entity:
		if v == nil || v.Kind() != s.kind {
			return nil, errors.NewIncompatibleMemberError(kindName(v), s.kind.Name)
		}
		return v, nil
	case entities.Attributes:
		attrs = v
	case map[string]any:
		attrs = v
	default:
		return nil, errors.NewIncompatibleMemberError(fmt.Sprintf("%T", item), s.kind.Name)
	}

	decorators := []entities.EntityDecoratorFunc{entities.OfKind(s.kind)}
	if s.transport != nil {
		decorators = append(decorators, entities.WithTransport(s.transport))
	}

	return entities.New(attrs, decorators...)
}

func kindName(e *entities.Entity) string {
	if e == nil {
		return "nil"
	}
	return e.Kind().Name
}

func (s *Set) addNew(e *entities.Entity) {
	s.members = append(s.members, s.register(e))
	s.Sort()
	s.Emit(AddEvent, e)
}

func (s *Set) handleDuplicate(idx int, e *entities.Entity, strategy Strategy) error {
	old := s.members[idx].entity

	switch strategy {
	case Replace:
		s.unregister(s.members[idx])
		s.members = slices.Delete(s.members, idx, idx+1)
		s.members = append(s.members, s.register(e))
	case MergeNewIntoOld:
		_, err := old.SetAttributes(e.Attributes())
		return err
	case MergeOldIntoNew:
		merged := old.Attributes()
		maps.Copy(merged, e.Attributes())
		if _, err := e.SetAttributes(merged); err != nil {
			return err
		}
		s.unregister(s.members[idx])
		s.members[idx] = s.register(e)
	default:
		return nil
	}

	s.Sort()
	s.Emit(ReplaceEvent, old, e)

	return nil
}

// register attaches the entity and subscribes the relay and resort listeners
func (s *Set) register(e *entities.Entity) *membership {
	m := &membership{entity: e}

	m.relay = events.NewGenericListener(func(name string, args ...any) {
		s.Emit(name, append([]any{e}, args...)...)
	})
	m.resort = events.NewListener(func(args ...any) {
		s.Sort()
	})

	if e.Collection() == nil {
		e.Attach(s)
	}

	e.AddGenericListener(m.relay)
	e.On(entities.ChangeEvent, m.resort)

	return m
}

func (s *Set) unregister(m *membership) {
	m.entity.RemoveGenericListener(m.relay)
	m.entity.RemoveListener(entities.ChangeEvent, m.resort)
	m.entity.Detach(s)
}

// Remove takes members out of the set, resolving every item the way Get does.
// Unknown items are ignored. The removed members are returned in match order.
func (s *Set) Remove(items ...any) []*entities.Entity {
	removed := []*entities.Entity{}

	for _, item := range flatten(items) {
		e := s.Get(item)
		if e == nil {
			continue
		}

		idx := s.indexOf(e)
		m := s.members[idx]
		s.members = slices.Delete(s.members, idx, idx+1)
		s.unregister(m)

		removed = append(removed, e)
		s.Emit(RemoveEvent, e)
	}

	s.Emit(UpdateEvent)

	return removed
}

// Get returns the member that is item, or the first member with the same id
// as item. Item may be an entity, an attribute map or a raw id.
func (s *Set) Get(item any) *entities.Entity {
	var id any

	switch v := item.(type) {
	case *entities.Entity:
		if v == nil {
			return nil
		}
		if s.indexOf(v) >= 0 {
			return v
		}
		id = v.ID()
	case entities.Attributes:
		id = v[entities.IDAttribute]
	case map[string]any:
		id = v[entities.IDAttribute]
	default:
		id = item
	}

	idx := s.indexOfID(id)
	if idx < 0 {
		return nil
	}

	return s.members[idx].entity
}

// CheckID refuses an id that another member already has
func (s *Set) CheckID(e *entities.Entity, id any) error {
	if idx := s.indexOfID(id); idx >= 0 && s.members[idx].entity != e {
		return errors.NewDuplicateIdentifierError(id, s.kind.Name)
	}
	return nil
}

func (s *Set) indexOf(e *entities.Entity) int {
	return slices.IndexFunc(s.members, func(m *membership) bool {
		return m.entity == e
	})
}

func (s *Set) indexOfID(id any) int {
	id, err := entities.NormalizeID(id)
	if err != nil || id == nil {
		return -1
	}

	return slices.IndexFunc(s.members, func(m *membership) bool {
		return m.entity.ID() == id
	})
}

// Models returns a copy of the ordered members
func (s *Set) Models() []*entities.Entity {
	models := make([]*entities.Entity, 0, len(s.members))
	for _, m := range s.members {
		models = append(models, m.entity)
	}
	return models
}

// All iterates over the members as they were when the iteration started
func (s *Set) All() iter.Seq[*entities.Entity] {
	return func(yield func(*entities.Entity) bool) {
		for _, e := range s.Models() {
			if !yield(e) {
				return
			}
		}
	}
}

func (s *Set) Len() int {
	return len(s.members)
}

func (s *Set) At(idx int) *entities.Entity {
	if idx < 0 || idx >= len(s.members) {
		return nil
	}
	return s.members[idx].entity
}

// Sort orders the members with the comparator, keeping the relative order of
// equal members. A sort event is emitted if any member changed position.
func (s *Set) Sort() {
	before := slices.Clone(s.members)

	slices.SortStableFunc(s.members, func(a, b *membership) int {
		return s.comparator(a.entity, b.entity)
	})

	if !slices.Equal(before, s.members) {
		s.Emit(SortEvent)
	}
}

func (s *Set) Where(match func(e *entities.Entity) bool) []*entities.Entity {
	found := []*entities.Entity{}
	for _, m := range s.members {
		if match(m.entity) {
			found = append(found, m.entity)
		}
	}
	return found
}

// Pluck returns the value of key for every member, in order
func (s *Set) Pluck(key string) []any {
	values := make([]any, 0, len(s.members))
	for _, m := range s.members {
		values = append(values, m.entity.Get(key))
	}
	return values
}

// ToJSON returns the attributes of every member, in order
func (s *Set) ToJSON() []entities.Attributes {
	attrs := make([]entities.Attributes, 0, len(s.members))
	for _, m := range s.members {
		attrs = append(attrs, m.entity.Attributes())
	}
	return attrs
}

func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToJSON())
}

func (s *Set) transportOrDefault() transport.Transport {
	if s.transport != nil {
		return s.transport
	}
	return entities.DefaultTransport
}

// flatten unpacks slices so that callers may pass a single item or any slice
// of items
func flatten(items any) []any {
	switch v := items.(type) {
	case nil:
		return nil
	case []any:
		out := []any{}
		for _, i := range v {
			out = append(out, flatten(i)...)
		}
		return out
	case entities.Attributes, map[string]any, string:
		return []any{v}
	}

	rv := reflect.ValueOf(items)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{items}
	}

	out := make([]any, 0, rv.Len())
	for i := range rv.Len() {
		out = append(out, rv.Index(i).Interface())
	}
	return out
}
