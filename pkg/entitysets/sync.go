package entitysets

import (
	"context"
	"fmt"
	"net/http"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/diwise/vertebrate/pkg/entities"
	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vertebrate/entitysets")

type syncOptions struct {
	add    bool
	remove bool
	merge  bool
	silent bool

	entityOptions []entities.SyncOption
}

type SyncOption func(*syncOptions)

// NoAdd keeps Fetch from adding items the set does not contain
func NoAdd() SyncOption {
	return func(o *syncOptions) { o.add = false }
}

// NoRemove keeps Fetch from removing persisted members missing from the response
func NoRemove() SyncOption {
	return func(o *syncOptions) { o.remove = false }
}

// NoMerge makes Fetch overwrite local changes of existing members
func NoMerge() SyncOption {
	return func(o *syncOptions) { o.merge = false }
}

// Silent suppresses sync and member change events
func Silent() SyncOption {
	return func(o *syncOptions) {
		o.silent = true
		o.entityOptions = append(o.entityOptions, entities.Silent())
	}
}

func Force() SyncOption {
	return func(o *syncOptions) {
		o.entityOptions = append(o.entityOptions, entities.Force())
	}
}

func Concurrency(n int) SyncOption {
	return func(o *syncOptions) {
		o.entityOptions = append(o.entityOptions, entities.Concurrency(n))
	}
}

func newSyncOptions(options []SyncOption) syncOptions {
	o := syncOptions{add: true, remove: true, merge: true}
	for _, option := range options {
		option(&o)
	}
	return o
}

// Fetch reconciles the set with the json array found at its url. Persisted
// members missing from the response are removed, present members are reset
// from their item and the remaining items are added.
func (s *Set) Fetch(ctx context.Context, options ...SyncOption) error {
	var err error

	o := newSyncOptions(options)

	endpoint, err := s.URL()
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "fetch-set",
		trace.WithAttributes(attribute.String(entities.TraceAttributeEntityKind, s.kind.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	resp, err := s.transportOrDefault().Do(ctx, endpoint, transport.Request{
		Method:      http.MethodGet,
		Credentials: transport.SameOrigin,
	})
	if err != nil {
		return err
	}

	if !resp.OK() {
		err = errors.NewErrorFromProblemReport(resp.StatusCode, resp.ContentType(), resp.Body)
		return err
	}

	items, err := s.parse(resp)
	if err != nil {
		return err
	}

	ids := map[any]bool{}
	for _, item := range items {
		var id any
		id, err = entities.NormalizeID(item[entities.IDAttribute])
		if err != nil {
			return err
		}
		if id != nil {
			ids[id] = true
		}
	}

	if o.remove {
		stale := s.Where(func(e *entities.Entity) bool {
			return !e.IsNew() && !ids[e.ID()]
		})
		if len(stale) > 0 {
			s.Remove(stale)
		}
	}

	additions := []any{}
	for _, item := range items {
		existing := s.Get(item)
		if existing == nil {
			additions = append(additions, item)
			continue
		}

		if err = existing.Reset(item, o.merge, o.entityOptions...); err != nil {
			return err
		}
	}

	if o.add && len(additions) > 0 {
		if err = s.Add(additions); err != nil {
			return err
		}
	}

	logging.GetFromContext(ctx).Debug("set fetched", "kind", s.kind.Name, "url", endpoint, "count", len(items))

	if !o.silent {
		s.Emit(SyncEvent)
	}

	return nil
}

// Save saves every member, sending the requests concurrently. Every member is
// attempted and the failures are joined.
func (s *Set) Save(ctx context.Context, options ...SyncOption) error {
	var err error

	o := newSyncOptions(options)

	ctx, span := tracer.Start(ctx, "save-set",
		trace.WithAttributes(attribute.String(entities.TraceAttributeEntityKind, s.kind.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = entities.SaveAll(ctx, s.Models(), o.entityOptions...)
	return err
}

// parse accepts a json array of objects and nothing else. A null body is not
// an empty array.
func (s *Set) parse(resp *transport.Response) ([]map[string]any, error) {
	var payload any
	if err := resp.JSON(&payload); err != nil {
		return nil, errors.NewMalformedResponseBodyError(fmt.Sprintf("expected a json array of %s: %s", s.kind.Name, err.Error()))
	}

	elements, ok := payload.([]any)
	if !ok {
		return nil, errors.NewMalformedResponseBodyError(fmt.Sprintf("expected a json array of %s, got %T", s.kind.Name, payload))
	}

	items := make([]map[string]any, 0, len(elements))
	for idx, element := range elements {
		item, ok := element.(map[string]any)
		if !ok {
			return nil, errors.NewMalformedResponseBodyError(fmt.Sprintf("element %d of %s is not a json object", idx, s.kind.Name))
		}
		items = append(items, item)
	}

	return items, nil
}
