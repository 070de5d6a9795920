package resources

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

func TestCreateItemAssignsNextFreeID(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := NewInMemoryResourceManager("beaches")

	_, err := m.CreateItem(ctx, "beaches", map[string]any{"id": 1, "name": "Ekudden"})
	is.NoErr(err)

	result, err := m.CreateItem(ctx, "beaches", map[string]any{"name": "Hartungviken"})
	is.NoErr(err)
	is.Equal(result.Location(), "beaches/2")
	is.Equal(result.Item()["id"], int64(2))
}

func TestCreateExistingItemFails(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := NewInMemoryResourceManager("beaches")
	m.CreateItem(ctx, "beaches", map[string]any{"id": "urn:beach:1"})

	_, err := m.CreateItem(ctx, "beaches", map[string]any{"id": "urn:beach:1"})
	_, ok := err.(AlreadyExistsError)
	is.True(ok) // expected an AlreadyExistsError
}

func TestUnknownResource(t *testing.T) {
	is := is.New(t)

	m := NewInMemoryResourceManager("beaches")

	_, err := m.QueryItems(context.Background(), "lakes")
	_, ok := err.(UnknownResourceError)
	is.True(ok) // expected an UnknownResourceError
}

func TestReplaceKeepsTheID(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := NewInMemoryResourceManager("beaches")
	m.CreateItem(ctx, "beaches", map[string]any{"id": 7, "name": "Ekudden"})

	is.NoErr(m.ReplaceItem(ctx, "beaches", "7", map[string]any{"name": "Ekuddens badplats"}))

	item, err := m.RetrieveItem(ctx, "beaches", "7")
	is.NoErr(err)
	is.Equal(item, map[string]any{"id": int64(7), "name": "Ekuddens badplats"})

	err = m.ReplaceItem(ctx, "beaches", "7", map[string]any{"id": 8})
	_, ok := err.(BadRequestDataError)
	is.True(ok) // expected a BadRequestDataError
}

func TestDeleteItem(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := NewInMemoryResourceManager("beaches")
	is.NoErr(Seed(ctx, m, "beaches", []map[string]any{{"id": 1}, {"id": 2}, {"id": 1, "name": "seeded twice"}}))

	is.NoErr(m.DeleteItem(ctx, "beaches", "1"))

	items, _ := m.QueryItems(ctx, "beaches")
	is.Equal(len(items), 1)

	err := m.DeleteItem(ctx, "beaches", "1")
	_, ok := err.(NotFoundError)
	is.True(ok) // expected a NotFoundError
}
