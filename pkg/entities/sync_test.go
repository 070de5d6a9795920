package entities

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/events"
	"github.com/diwise/vertebrate/pkg/transport"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var method = expects.RequestMethod
var path = expects.RequestPath
var body = expects.RequestBody

const beachJSON string = `{"id":7,"name":"Hartungviken","temperature":17.5}`

func TestFetchFromMockService(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/beaches/7")),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(beachJSON)),
		),
	)
	defer s.Close()

	e, _ := New(map[string]any{"id": 7}, OfKind(&Kind{Name: "Beach", URLRoot: s.URL() + "/beaches"}))

	synced := false
	e.On(SyncEvent, events.NewListener(func(args ...any) { synced = true }))

	err := e.Fetch(context.Background())
	is.NoErr(err)

	is.True(synced)
	is.Equal(e.Get("name"), "Hartungviken")
	is.Equal(e.Get("temperature"), 17.5)
	is.True(!e.HasChanged())
}

func TestFetchKeepsLocalChanges(t *testing.T) {
	is := is.New(t)

	e, _ := New(map[string]any{"id": 7, "name": "Hartungviken"}, OfKind(beachKind()), WithTransport(respondWith(http.StatusOK, beachJSON)))
	e.Set("name", "Hartungvikens badplats")

	err := e.Fetch(context.Background())
	is.NoErr(err)

	is.Equal(e.Get("name"), "Hartungvikens badplats")
	is.Equal(e.Previous("name"), "Hartungviken")
	is.True(e.HasChanged("name"))
}

func TestFetchWithSilentEmitsNothing(t *testing.T) {
	is := is.New(t)

	e, _ := New(map[string]any{"id": 7}, OfKind(beachKind()), WithTransport(respondWith(http.StatusOK, beachJSON)))

	count := 0
	e.AddGenericListener(events.NewGenericListener(func(name string, args ...any) { count++ }))

	is.NoErr(e.Fetch(context.Background(), Silent()))
	is.Equal(count, 0)
}

func TestFetchWithOtherIdentifierFails(t *testing.T) {
	is := is.New(t)

	e, _ := New(map[string]any{"id": 8}, OfKind(beachKind()), WithTransport(respondWith(http.StatusOK, beachJSON)))

	err := e.Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrServerIdentifierMismatch))
	is.True(!e.Has("name")) // nothing merged
}

func TestFetchOfNewEntityFails(t *testing.T) {
	is := is.New(t)

	e, _ := New(nil, OfKind(beachKind()), WithTransport(respondWith(http.StatusOK, beachJSON)))

	err := e.Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrEntityIsNew))
}

func TestFetchReturnsProblemDetails(t *testing.T) {
	is := is.New(t)

	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{"Content-Type": {errors.ProblemReportContentType}},
			Body:       []byte(`{"type":"about:blank","title":"Not Found","detail":"no beach with id 7"}`),
		}, nil
	})

	e, _ := New(map[string]any{"id": 7}, OfKind(beachKind()), WithTransport(tr))

	err := e.Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrUnexpectedResponseStatus))
	is.Equal(errors.StatusCode(err), http.StatusNotFound)
}

func TestFetchWithMalformedBodyFails(t *testing.T) {
	is := is.New(t)

	e, _ := New(map[string]any{"id": 7}, OfKind(beachKind()), WithTransport(respondWith(http.StatusOK, `[1,2`)))

	err := e.Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrMalformedResponseBody))
}

func TestSaveNewEntityPostsAndAssignsIdentifier(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodPost), path("/beaches"), body(`{"name":"Ekudden"}`)),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusCreated),
			response.Body([]byte(`{"id":12}`)),
		),
	)
	defer s.Close()

	e, _ := New(map[string]any{"name": "Ekudden"}, OfKind(&Kind{Name: "Beach", URLRoot: s.URL() + "/beaches"}))

	received := []string{}
	e.AddGenericListener(events.NewGenericListener(func(name string, args ...any) {
		received = append(received, name)
	}))

	err := e.Save(context.Background())
	is.NoErr(err)

	is.Equal(e.ID(), int64(12))
	is.True(!e.HasChanged())
	is.Equal(received, []string{"change:id", "change", "sync"})
}

func TestSaveWithoutChangesIsSkipped(t *testing.T) {
	is := is.New(t)

	var requests atomic.Int32
	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		requests.Add(1)
		return &transport.Response{StatusCode: http.StatusNoContent}, nil
	})

	e, _ := New(map[string]any{"id": 7, "name": "Hartungviken"}, OfKind(beachKind()), WithTransport(tr))

	is.NoErr(e.Save(context.Background()))
	is.Equal(requests.Load(), int32(0))

	is.NoErr(e.Save(context.Background(), Force()))
	is.Equal(requests.Load(), int32(1))
}

func TestFetchOfIdenticalPayloadLeavesNativeNumbersUnchanged(t *testing.T) {
	is := is.New(t)

	var puts atomic.Int32
	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		if req.Method == http.MethodPut {
			puts.Add(1)
			return &transport.Response{StatusCode: http.StatusNoContent}, nil
		}
		return &transport.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {transport.ContentTypeJSON}},
			Body:       []byte(`{"id":1,"depth":4}`),
		}, nil
	})

	e, _ := New(map[string]any{"id": 1, "depth": 4}, OfKind(beachKind()), WithTransport(tr))

	is.NoErr(e.Fetch(context.Background()))
	is.True(!e.HasChanged())
	is.Equal(len(e.ChangedAttributes()), 0)

	is.NoErr(e.Save(context.Background()))
	is.Equal(puts.Load(), int32(0)) // nothing to save
}

func TestFetchNullBodyFails(t *testing.T) {
	is := is.New(t)

	e, _ := New(map[string]any{"id": 7, "name": "Hartungviken"}, OfKind(beachKind()), WithTransport(respondWith(http.StatusOK, `null`)))

	err := e.Fetch(context.Background())
	is.True(errors.Is(err, errors.ErrMalformedResponseBody))
	is.Equal(e.Get("name"), "Hartungviken")
}

func TestSaveUsesTheStateAtInitiation(t *testing.T) {
	is := is.New(t)

	var e *Entity
	var sent map[string]any

	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		is.Equal(req.Method, http.MethodPut)
		is.Equal(url, "http://localhost/beaches/7")
		json.Unmarshal(req.Body, &sent)
		e.Set("temperature", 21.0)
		return &transport.Response{StatusCode: http.StatusNoContent}, nil
	})

	e, _ = New(map[string]any{"id": 7, "temperature": 17.5}, OfKind(beachKind()), WithTransport(tr))
	e.Set("temperature", 19.0)

	is.NoErr(e.Save(context.Background()))

	is.Equal(sent["temperature"], 19.0)
	is.Equal(e.Previous("temperature"), 19.0)
	is.True(e.HasChanged("temperature")) // the change made while saving is still pending
}

func TestSaveAllSendsEveryEntity(t *testing.T) {
	is := is.New(t)

	var requests atomic.Int32
	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		requests.Add(1)
		if url == "http://localhost/beaches/2" {
			return &transport.Response{StatusCode: http.StatusInternalServerError}, nil
		}
		return &transport.Response{StatusCode: http.StatusNoContent}, nil
	})

	all := []*Entity{}
	for i := 1; i <= 3; i++ {
		e, _ := New(map[string]any{"id": i}, OfKind(beachKind()), WithTransport(tr))
		e.Set("name", "changed")
		all = append(all, e)
	}

	err := SaveAll(context.Background(), all, Concurrency(2))

	is.True(errors.Is(err, errors.ErrUnexpectedResponseStatus))
	is.Equal(requests.Load(), int32(3))
	is.True(!all[0].HasChanged())
	is.True(all[1].HasChanged()) // failed save keeps its changes
	is.True(!all[2].HasChanged())
}

func TestDestroyNewEntitySendsNothing(t *testing.T) {
	is := is.New(t)

	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		is.Fail() // no request expected
		return nil, nil
	})

	c := &fakeCollection{}
	e, _ := New(nil, WithTransport(tr), InCollection(c))

	destroyed := false
	e.On(DestroyEvent, events.NewListener(func(args ...any) { destroyed = true }))

	is.NoErr(e.Destroy(context.Background()))
	is.True(destroyed)
	is.True(e.IsDestroyed())
	is.Equal(len(c.removed), 1)

	err := e.Save(context.Background())
	is.True(errors.Is(err, errors.ErrEntityDestroyed))
}

func TestDestroyRemovesFromCollectionBeforeTheRequest(t *testing.T) {
	is := is.New(t)

	c := &fakeCollection{url: "http://localhost/beaches"}

	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		is.Equal(req.Method, http.MethodDelete)
		is.Equal(url, "http://localhost/beaches/7")
		is.Equal(len(c.removed), 1) // removed before the request
		return &transport.Response{StatusCode: http.StatusNoContent}, nil
	})

	e, _ := New(map[string]any{"id": 7}, WithTransport(tr), InCollection(c))

	is.NoErr(e.Destroy(context.Background()))
	is.True(e.Collection() == nil)
	is.Equal(len(e.PreviousAttributes()), 0)
}

func TestDestroyWithWaitRemovesAfterTheRequest(t *testing.T) {
	is := is.New(t)

	c := &fakeCollection{url: "http://localhost/beaches"}

	tr := transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		is.Equal(len(c.removed), 0) // still a member during the request
		return &transport.Response{StatusCode: http.StatusNoContent}, nil
	})

	e, _ := New(map[string]any{"id": 7}, WithTransport(tr), InCollection(c))

	is.NoErr(e.Destroy(context.Background(), Wait()))
	is.Equal(len(c.removed), 1)
}

func TestFailedDestroyWithWaitKeepsMembership(t *testing.T) {
	is := is.New(t)

	c := &fakeCollection{url: "http://localhost/beaches"}
	e, _ := New(map[string]any{"id": 7}, WithTransport(respondWith(http.StatusBadGateway, "")), InCollection(c))

	err := e.Destroy(context.Background(), Wait())
	is.True(errors.Is(err, errors.ErrUnexpectedResponseStatus))
	is.Equal(len(c.removed), 0)
	is.True(!e.IsDestroyed())
}

func beachKind() *Kind {
	return &Kind{Name: "Beach", URLRoot: "http://localhost/beaches"}
}

func respondWith(code int, body string) transport.Transport {
	return transport.Func(func(ctx context.Context, url string, req transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: code,
			Header:     http.Header{"Content-Type": {transport.ContentTypeJSON}},
			Body:       []byte(body),
		}, nil
	})
}
