package entitysets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/diwise/vertebrate/internal/pkg/application/resources"
	"github.com/diwise/vertebrate/internal/pkg/presentation/api/rest"
	"github.com/diwise/vertebrate/pkg/entities"
	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/events"
	"github.com/diwise/vertebrate/pkg/transport"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var method = expects.RequestMethod
var path = expects.RequestPath

func TestFetchWithoutURLFails(t *testing.T) {
	is := is.New(t)

	err := New().Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrNoURLConfigured))
	is.True(errors.Is(err, errors.ErrNotImplemented))
}

func TestFetchFromMockService(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/beaches")),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`[{"id":2,"name":"Hartungviken"},{"id":1,"name":"Ekudden"}]`)),
		),
	)
	defer s.Close()

	set := New(URL(s.URL() + "/beaches"))
	received := recordEvents(set)

	is.NoErr(set.Fetch(context.Background()))

	is.Equal(set.Pluck("name"), []any{"Ekudden", "Hartungviken"})
	is.Equal((*received)[len(*received)-1], SyncEvent) // sync comes last
	is.True(!set.At(0).HasChanged())
}

func TestFetchNonArrayIsMalformed(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, expects.AnyInput()),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"id":1}`)),
		),
	)
	defer s.Close()

	err := New(URL(s.URL())).Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrMalformedResponseBody))
}

func TestFetchNullOrNonObjectElementsIsMalformed(t *testing.T) {
	for _, body := range []string{`null`, `[{"id":3},1]`, `[null]`} {
		t.Run(body, func(t *testing.T) {
			is := is.New(t)

			s := testutils.NewMockServiceThat(
				Expects(is, expects.AnyInput()),
				Returns(
					response.ContentType("application/json"),
					response.Code(http.StatusOK),
					response.Body([]byte(body)),
				),
			)
			defer s.Close()

			set := New(URL(s.URL()))
			is.NoErr(set.Add(map[string]any{"id": 3}))
			received := recordEvents(set)

			err := set.Fetch(context.Background())
			is.True(errors.Is(err, errors.ErrMalformedResponseBody))
			is.Equal(set.Pluck("id"), []any{int64(3)}) // members should be left alone
			is.Equal(len(*received), 0)
		})
	}
}

func TestFetchEmptyArrayRemovesPersistedMembers(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet)),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`[]`)),
		),
	)
	defer s.Close()

	set := New(URL(s.URL()))
	is.NoErr(set.Add(map[string]any{"id": 3}))
	received := recordEvents(set)

	is.NoErr(set.Fetch(context.Background()))

	is.Equal(set.Len(), 0)
	is.Equal(*received, []string{RemoveEvent, UpdateEvent, SyncEvent})
}

func TestFetchFailureStatus(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, expects.AnyInput()),
		Returns(response.Code(http.StatusServiceUnavailable)),
	)
	defer s.Close()

	err := New(URL(s.URL())).Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrUnexpectedResponseStatus))
	is.Equal(errors.StatusCode(err), http.StatusServiceUnavailable)
}

func TestFetchReconcilesMembers(t *testing.T) {
	is := is.New(t)

	ts, _ := newResourceServer(is)
	defer ts.Close()

	set := New(URL(ts.URL + "/beaches"))
	set.Add([]map[string]any{
		{"id": 1, "name": "Ekudden"},
		{"id": 9, "name": "gone"},
		{"name": "unsaved"},
	})
	set.Get(1).Set("name", "local name")

	removed := []any{}
	set.On(RemoveEvent, events.NewListener(func(args ...any) {
		removed = append(removed, args[0].(*entities.Entity).ID())
	}))

	is.NoErr(set.Fetch(context.Background()))

	is.Equal(removed, []any{int64(9)})
	is.Equal(set.Pluck("id"), []any{int64(1), int64(2), nil})
	is.Equal(set.Get(1).Get("name"), "local name") // local changes survive
	is.Equal(set.Get(1).Previous("name"), "Ekudden")
	is.Equal(set.Get(1).Get("depth"), 4.0)
}

func TestFetchWithOptions(t *testing.T) {
	is := is.New(t)

	ts, _ := newResourceServer(is)
	defer ts.Close()

	set := New(URL(ts.URL + "/beaches"))
	set.Add([]map[string]any{{"id": 1, "name": "Ekudden"}, {"id": 9}})
	set.Get(1).Set("name", "local name")

	is.NoErr(set.Fetch(context.Background(), NoAdd(), NoRemove(), NoMerge()))

	is.Equal(set.Pluck("id"), []any{int64(1), int64(9)})
	is.Equal(set.Get(1).Get("name"), "Ekudden") // overwritten
	is.True(!set.Get(1).HasChanged())
}

func TestSilentFetchEmitsNoSync(t *testing.T) {
	is := is.New(t)

	ts, _ := newResourceServer(is)
	defer ts.Close()

	set := New(URL(ts.URL + "/beaches"))

	synced := false
	set.On(SyncEvent, events.NewListener(func(args ...any) { synced = true }))

	is.NoErr(set.Fetch(context.Background(), Silent()))
	is.True(!synced)
	is.Equal(set.Len(), 2)
}

func TestSaveRoundTrip(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	ts, app := newResourceServer(is)
	defer ts.Close()

	set := New(URL(ts.URL + "/beaches"))
	is.NoErr(set.Fetch(ctx))

	set.Get(2).Set("temperature", 18.5)
	is.NoErr(set.Add(map[string]any{"name": "Bergsöbadet"}))

	is.NoErr(set.Save(ctx))

	is.Equal(set.Pluck("id"), []any{int64(1), int64(2), int64(3)}) // the created member got its id
	is.True(!set.Get(2).HasChanged())

	item, err := app.RetrieveItem(ctx, "beaches", "2")
	is.NoErr(err)
	is.Equal(item["temperature"], 18.5)

	item, err = app.RetrieveItem(ctx, "beaches", "3")
	is.NoErr(err)
	is.Equal(item["name"], "Bergsöbadet")
}

func TestSaveRefusesAnIDHeldByAnotherMember(t *testing.T) {
	is := is.New(t)

	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{"Content-Type": {transport.ContentTypeJSON}},
			Body:       []byte(`{"id":1}`),
		}, nil
	})

	set := New(URL("http://localhost/beaches"), WithTransport(tr))
	is.NoErr(set.Add([]map[string]any{{"id": 1}, {"name": "unsaved"}}))
	unsaved := set.At(1)

	err := unsaved.Save(context.Background())
	is.True(errors.Is(err, errors.ErrDuplicateIdentifier))
	is.True(unsaved.IsNew())
	is.Equal(set.Len(), 2)
}

func TestDestroyMemberRoundTrip(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	ts, app := newResourceServer(is)
	defer ts.Close()

	set := New(URL(ts.URL + "/beaches"))
	is.NoErr(set.Fetch(ctx))

	member := set.Get(1)
	is.NoErr(member.Destroy(ctx, entities.Wait()))

	is.Equal(set.Len(), 1)
	is.True(member.IsDestroyed())

	_, err := app.RetrieveItem(ctx, "beaches", "1")
	_, ok := err.(resources.NotFoundError)
	is.True(ok) // expected the item to be deleted
}

func TestSaveCollectsEveryFailure(t *testing.T) {
	is := is.New(t)

	requests := 0
	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		requests++
		return &transport.Response{StatusCode: http.StatusBadRequest}, nil
	})

	set := New(URL("http://localhost/beaches"), WithTransport(tr), Of(&entities.Kind{Name: "Beach"}))
	set.Add([]map[string]any{{"name": "a"}, {"name": "b"}})

	err := set.Save(context.Background(), Concurrency(1))

	is.True(errors.Is(err, errors.ErrUnexpectedResponseStatus))
	is.Equal(requests, 2)
	is.True(set.At(0).IsNew())
}

func newResourceServer(is *is.I) (*httptest.Server, resources.ResourceManager) {
	app := resources.NewInMemoryResourceManager("beaches")
	is.NoErr(resources.Seed(context.Background(), app, "beaches", []map[string]any{
		{"id": 1, "name": "Ekudden", "depth": 4},
		{"id": 2, "name": "Hartungviken", "depth": 2},
	}))

	r := chi.NewRouter()
	rest.RegisterHandlers(r, app)

	return httptest.NewServer(r), app
}
