package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	TraceAttributeEntityCID  string = "entity-cid"
	TraceAttributeEntityKind string = "entity-kind"
)

var tracer = otel.Tracer("vertebrate/entities")

type syncOptions struct {
	silent      bool
	wait        bool
	force       bool
	concurrency int
}

type SyncOption func(*syncOptions)

// Silent suppresses the sync, destroy and change events of an operation
func Silent() SyncOption {
	return func(o *syncOptions) { o.silent = true }
}

// Wait postpones removing a destroyed entity from its set until the peer has confirmed the delete
func Wait() SyncOption {
	return func(o *syncOptions) { o.wait = true }
}

// Force makes Save send a request even if nothing has changed
func Force() SyncOption {
	return func(o *syncOptions) { o.force = true }
}

// Concurrency limits the number of requests SaveAll keeps in flight
func Concurrency(n int) SyncOption {
	return func(o *syncOptions) { o.concurrency = n }
}

func newSyncOptions(options []SyncOption) syncOptions {
	o := syncOptions{concurrency: 8}
	for _, option := range options {
		option(&o)
	}
	return o
}

func (e *Entity) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String(TraceAttributeEntityKind, e.kind.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityCID, e.cid)),
	)
}

// Fetch retrieves the entity from its url. Live values are kept for keys the
// payload also carries, and the payload becomes the new synchronized state.
func (e *Entity) Fetch(ctx context.Context, options ...SyncOption) error {
	var err error

	if e.destroyed {
		return fmt.Errorf("failed to fetch %s (%w)", e, errors.ErrEntityDestroyed)
	}

	endpoint, err := e.URL()
	if err != nil {
		return err
	}

	ctx, span := e.startSpan(ctx, "fetch-entity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	resp, err := e.transportOrDefault().Do(ctx, endpoint, transport.Request{
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

	payload, err := e.kind.parse(resp)
	if err != nil {
		return err
	}

	remoteID, err := NormalizeID(payload[IDAttribute])
	if err != nil {
		return err
	}

	if remoteID != nil && remoteID != e.ID() {
		err = errors.NewServerIdentifierMismatchError(e.ID(), payload[IDAttribute])
		return err
	}

	o := newSyncOptions(options)

	err = e.Reset(payload, true, options...)
	if err != nil {
		return err
	}

	logging.GetFromContext(ctx).Debug("entity fetched", "entity", e.String(), "url", endpoint)

	if !o.silent {
		e.Emit(SyncEvent)
	}

	return nil
}

// Save writes the entity to its peer, with a POST if it is new or a PUT if it
// is not. A persisted entity without changes is not sent unless Force is given.
func (e *Entity) Save(ctx context.Context, options ...SyncOption) error {
	var err error

	o := newSyncOptions(options)

	ctx, span := e.startSpan(ctx, "save-entity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	p, err := e.prepareSave(o)
	if err != nil || p.skip {
		return err
	}

	resp, err := p.send(ctx)
	if err != nil {
		return err
	}

	err = p.commit(ctx, resp, o)
	return err
}

// SaveAll saves every entity, sending the requests concurrently. All state
// changes and events happen on the calling goroutine once every request has
// completed. Every entity is attempted and the failures are joined.
func SaveAll(ctx context.Context, entities []*Entity, options ...SyncOption) error {
	var err error

	o := newSyncOptions(options)

	ctx, span := tracer.Start(ctx, "save-entities",
		trace.WithAttributes(attribute.Int("entity-count", len(entities))),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	pending := make([]*pendingSave, len(entities))
	responses := make([]*transport.Response, len(entities))
	errs := make([]error, len(entities))

	for idx, e := range entities {
		pending[idx], errs[idx] = e.prepareSave(o)
	}

	g := errgroup.Group{}
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}

	for idx, p := range pending {
		if errs[idx] != nil || p.skip {
			continue
		}

		g.Go(func() error {
			responses[idx], errs[idx] = p.send(ctx)
			return nil
		})
	}

	g.Wait()

	for idx, p := range pending {
		if errs[idx] == nil && !p.skip {
			errs[idx] = p.commit(ctx, responses[idx], o)
		}

		if errs[idx] != nil {
			errs[idx] = fmt.Errorf("failed to save %s: %w", entities[idx], errs[idx])
		}
	}

	err = errors.Join(errs...)
	return err
}

type pendingSave struct {
	entity    *Entity
	transport transport.Transport
	skip      bool

	method   string
	endpoint string
	body     []byte
	snapshot Attributes
}

func (e *Entity) prepareSave(o syncOptions) (*pendingSave, error) {
	if e.destroyed {
		return nil, fmt.Errorf("failed to save %s (%w)", e, errors.ErrEntityDestroyed)
	}

	p := &pendingSave{
		entity:    e,
		transport: e.transportOrDefault(),
		snapshot:  maps.Clone(e.attributes),
	}

	if !e.IsNew() && !o.force && !e.HasChanged() {
		p.skip = true
		return p, nil
	}

	var err error

	if e.IsNew() {
		p.method = http.MethodPost
		p.endpoint, err = e.rootURL()
	} else {
		p.method = http.MethodPut
		p.endpoint, err = e.URL()
	}

	if err != nil {
		return nil, err
	}

	p.body, err = json.Marshal(p.snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %s (%w)", e, err.Error(), errors.ErrInternal)
	}

	return p, nil
}

// send performs the request without touching the entity
func (p *pendingSave) send(ctx context.Context) (*transport.Response, error) {
	return p.transport.Do(ctx, p.endpoint, transport.Request{
		Method:      p.method,
		Credentials: transport.SameOrigin,
		Body:        p.body,
		Headers:     transport.JSONHeaders(),
	})
}

func (p *pendingSave) commit(ctx context.Context, resp *transport.Response, o syncOptions) error {
	e := p.entity

	if !resp.OK() {
		return errors.NewErrorFromProblemReport(resp.StatusCode, resp.ContentType(), resp.Body)
	}

	var assignedID any

	if p.method == http.MethodPost && len(resp.Body) > 0 {
		created := map[string]any{}
		if err := resp.JSON(&created); err == nil && created[IDAttribute] != nil {
			id, err := e.checkID(created[IDAttribute])
			if err != nil {
				return err
			}
			assignedID = id
			p.snapshot[IDAttribute] = id
		}
	}

	e.previous = p.snapshot

	if assignedID != nil {
		if err := e.set(Attributes{IDAttribute: assignedID}, o.silent); err != nil {
			return err
		}
	}

	logging.GetFromContext(ctx).Debug("entity saved", "entity", e.String(), "method", p.method, "url", p.endpoint)

	if !o.silent {
		e.Emit(SyncEvent)
	}

	return nil
}

// Destroy deletes the entity from its peer and removes it from its set. The
// removal happens before the request unless Wait is given, and is not undone
// if the request fails. A new entity is never sent to the peer.
func (e *Entity) Destroy(ctx context.Context, options ...SyncOption) error {
	var err error

	if e.destroyed {
		return fmt.Errorf("failed to destroy %s (%w)", e, errors.ErrEntityDestroyed)
	}

	o := newSyncOptions(options)

	if e.IsNew() {
		e.previous = Attributes{}
		e.detach()
		e.destroyed = true

		if !o.silent {
			e.Emit(DestroyEvent)
		}

		return nil
	}

	endpoint, err := e.URL()
	if err != nil {
		return err
	}

	ctx, span := e.startSpan(ctx, "destroy-entity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if !o.wait {
		e.detach()
	}

	resp, err := e.transportOrDefault().Do(ctx, endpoint, transport.Request{
		Method:      http.MethodDelete,
		Credentials: transport.SameOrigin,
	})
	if err != nil {
		return err
	}

	if !resp.OK() {
		err = errors.NewErrorFromProblemReport(resp.StatusCode, resp.ContentType(), resp.Body)
		return err
	}

	if o.wait {
		e.detach()
	}

	e.previous = Attributes{}
	e.destroyed = true

	logging.GetFromContext(ctx).Debug("entity destroyed", "entity", e.String(), "url", endpoint)

	if !o.silent {
		e.Emit(DestroyEvent)
	}

	return nil
}

func (e *Entity) detach() {
	if c := e.collection; c != nil {
		c.Remove(e)
		e.Detach(c)
	}
}
