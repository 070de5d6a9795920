package resources

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/vertebrate/pkg/entities"
)

type ItemCreator interface {
	CreateItem(ctx context.Context, resource string, item map[string]any) (*CreateItemResult, error)
}

type ItemQuerier interface {
	QueryItems(ctx context.Context, resource string) ([]map[string]any, error)
}

type ItemRetriever interface {
	RetrieveItem(ctx context.Context, resource, itemID string) (map[string]any, error)
}

type ItemReplacer interface {
	ReplaceItem(ctx context.Context, resource, itemID string, item map[string]any) error
}

type ItemDeleter interface {
	DeleteItem(ctx context.Context, resource, itemID string) error
}

// ResourceManager serves items of named resources
type ResourceManager interface {
	ItemCreator
	ItemQuerier
	ItemRetriever
	ItemReplacer
	ItemDeleter

	Resources() []string
}

type resource struct {
	items  []map[string]any
	nextID int64
}

type inMemoryResources struct {
	mu        sync.Mutex
	resources map[string]*resource
}

// NewInMemoryResourceManager serves the named resources from memory. Items
// created without an id are given the next free integer id.
func NewInMemoryResourceManager(names ...string) ResourceManager {
	m := &inMemoryResources{resources: map[string]*resource{}}
	for _, name := range names {
		m.resources[name] = &resource{nextID: 1}
	}
	return m
}

// Seed adds items to a resource, replacing any item with the same id
func Seed(ctx context.Context, m ResourceManager, name string, items []map[string]any) error {
	for _, item := range items {
		id, err := entities.NormalizeID(item[entities.IDAttribute])
		if err != nil {
			return NewBadRequestDataError(err.Error())
		}

		if id != nil {
			err = m.ReplaceItem(ctx, name, idString(id), item)
			if _, ok := err.(NotFoundError); !ok && err != nil {
				return err
			}
			if err == nil {
				continue
			}
		}

		if _, err = m.CreateItem(ctx, name, item); err != nil {
			return err
		}
	}
	return nil
}

func (m *inMemoryResources) Resources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := slices.Collect(maps.Keys(m.resources))
	slices.Sort(names)
	return names
}

func (m *inMemoryResources) CreateItem(ctx context.Context, name string, item map[string]any) (*CreateItemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[name]
	if !ok {
		return nil, NewUnknownResourceError(name)
	}

	id, err := entities.NormalizeID(item[entities.IDAttribute])
	if err != nil {
		return nil, NewBadRequestDataError(err.Error())
	}

	if id == nil {
		for r.indexOf(idString(r.nextID)) >= 0 {
			r.nextID++
		}
		id = r.nextID
		r.nextID++
	}

	itemID := idString(id)
	if r.indexOf(itemID) >= 0 {
		return nil, NewAlreadyExistsError(fmt.Sprintf("%s with id %s already exists", name, itemID))
	}

	created := maps.Clone(item)
	created[entities.IDAttribute] = id
	r.items = append(r.items, created)

	logging.GetFromContext(ctx).Debug("item created", "resource", name, "id", itemID)

	return NewCreateItemResult(name+"/"+itemID, maps.Clone(created)), nil
}

func (m *inMemoryResources) QueryItems(ctx context.Context, name string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[name]
	if !ok {
		return nil, NewUnknownResourceError(name)
	}

	items := make([]map[string]any, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, maps.Clone(item))
	}

	return items, nil
}

func (m *inMemoryResources) RetrieveItem(ctx context.Context, name, itemID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, idx, err := m.find(name, itemID)
	if err != nil {
		return nil, err
	}

	return maps.Clone(r.items[idx]), nil
}

func (m *inMemoryResources) ReplaceItem(ctx context.Context, name, itemID string, item map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, idx, err := m.find(name, itemID)
	if err != nil {
		return err
	}

	current := r.items[idx][entities.IDAttribute]

	id, err := entities.NormalizeID(item[entities.IDAttribute])
	if err != nil {
		return NewBadRequestDataError(err.Error())
	}

	if id != nil && id != current {
		return NewBadRequestDataError(fmt.Sprintf("id %v does not match %s", id, itemID))
	}

	replacement := maps.Clone(item)
	replacement[entities.IDAttribute] = current
	r.items[idx] = replacement

	return nil
}

func (m *inMemoryResources) DeleteItem(ctx context.Context, name, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, idx, err := m.find(name, itemID)
	if err != nil {
		return err
	}

	r.items = slices.Delete(r.items, idx, idx+1)

	logging.GetFromContext(ctx).Debug("item deleted", "resource", name, "id", itemID)

	return nil
}

func (m *inMemoryResources) find(name, itemID string) (*resource, int, error) {
	r, ok := m.resources[name]
	if !ok {
		return nil, -1, NewUnknownResourceError(name)
	}

	idx := r.indexOf(itemID)
	if idx < 0 {
		return nil, -1, NewNotFoundError(fmt.Sprintf("no %s with id %s", name, itemID))
	}

	return r, idx, nil
}

func (r *resource) indexOf(itemID string) int {
	return slices.IndexFunc(r.items, func(item map[string]any) bool {
		return idString(item[entities.IDAttribute]) == itemID
	})
}

func idString(id any) string {
	if i, ok := id.(int64); ok {
		return strconv.FormatInt(i, 10)
	}
	return fmt.Sprint(id)
}
