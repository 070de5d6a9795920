package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/diwise/vertebrate/pkg/entities"
	"github.com/diwise/vertebrate/pkg/entitysets"
	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/diwise/vertebrate/pkg/events"
	"github.com/diwise/vertebrate/pkg/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// DefaultEvents are the set events relayed when Watch is not given any
var DefaultEvents = []string{
	entitysets.AddEvent,
	entitysets.RemoveEvent,
	entitysets.ReplaceEvent,
	entities.ChangeEvent,
	entities.DestroyEvent,
	entitysets.SyncEvent,
}

type Notifier interface {
	Start() error
	Stop() error

	Notify(ctx context.Context, resource, event string, members ...*entities.Entity)
	Watch(ctx context.Context, resource string, s *entitysets.Set, eventNames ...string) *events.GenericListener
}

type Notification struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Event      string                `json:"event"`
	Resource   string                `json:"resource"`
	NotifiedAt string                `json:"notifiedAt"`
	Data       []entities.Attributes `json:"data"`
}

func NewNotification(resource, event string, members ...*entities.Entity) Notification {
	n := Notification{
		ID:         fmt.Sprintf("urn:vertebrate:Notification:%s", uuid.New().String()),
		Type:       "Notification",
		Event:      event,
		Resource:   resource,
		NotifiedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Data:       []entities.Attributes{},
	}

	for _, m := range members {
		n.Data = append(n.Data, m.Attributes())
	}

	return n
}

var tracer = otel.Tracer("vertebrate/notifier")

type action func()

type notifier struct {
	started   bool
	endpoint  string
	transport transport.Transport

	queue chan action
}

func NewNotifier(ctx context.Context, endpoint string, t transport.Transport) (Notifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("notifier needs an endpoint (%w)", errors.ErrNoURLConfigured)
	}

	if t == nil {
		t = transport.NewHTTPTransport()
	}

	return &notifier{
		endpoint:  endpoint,
		transport: t,
		queue:     make(chan action, 32),
	}, nil
}

func (n *notifier) Start() error {
	if n.started {
		return fmt.Errorf("already started")
	}

	n.started = true

	go n.run()

	return nil
}

func (n *notifier) Stop() error {
	if n.started {
		n.started = false

		// Create a result channel so that we can wait for completion
		resultChan := make(chan bool)

		n.queue <- func() {
			// close the queue to signal the consumers that we are going out of business
			close(n.queue)
			resultChan <- true
		}

		// blocking read until our action has been processed
		<-resultChan
	}
	return nil
}

// Notify queues a notification about members. The attributes of the members
// are captured before Notify returns.
func (n *notifier) Notify(ctx context.Context, resource, event string, members ...*entities.Entity) {
	if !n.started {
		return
	}

	var err error

	logger := logging.GetFromContext(ctx)
	notification := NewNotification(resource, event, members...)

	ctx, span := tracer.Start(
		tracing.ExtractHeaders(context.Background(), tracing.InjectHeaders(ctx)),
		"post",
	)

	n.queue <- func() {
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = n.postNotification(ctx, notification)
		if err != nil {
			logger.Error("failed to post notification", "err", err.Error(), "event", event, "resource", resource)
		}
	}
}

// Watch relays the named events of a set as notifications. The returned
// listener can be passed to RemoveGenericListener to stop watching.
func (n *notifier) Watch(ctx context.Context, resource string, s *entitysets.Set, eventNames ...string) *events.GenericListener {
	if len(eventNames) == 0 {
		eventNames = DefaultEvents
	}

	l := events.NewGenericListener(func(name string, args ...any) {
		if !slices.Contains(eventNames, name) {
			return
		}

		members := []*entities.Entity{}
		for _, arg := range args {
			if e, ok := arg.(*entities.Entity); ok {
				members = append(members, e)
			}
		}

		if name == entitysets.ReplaceEvent && len(members) == 2 {
			members = members[1:]
		}

		if name == entitysets.SyncEvent && len(args) == 0 {
			members = s.Models()
		}

		n.Notify(ctx, resource, name, members...)
	})

	s.AddGenericListener(l)

	return l
}

func (n *notifier) postNotification(ctx context.Context, notification Notification) error {
	body, err := json.MarshalIndent(notification, "", " ")
	if err != nil {
		return fmt.Errorf("marshalling error (%w)", err)
	}

	resp, err := n.transport.Do(ctx, n.endpoint, transport.Request{
		Method:  http.MethodPost,
		Body:    body,
		Headers: transport.JSONHeaders(),
	})
	if err != nil {
		return fmt.Errorf("failed to send request (%w)", err)
	}

	if !resp.OK() {
		return errors.NewErrorFromProblemReport(resp.StatusCode, resp.ContentType(), resp.Body)
	}

	return nil
}

func (n *notifier) run() {
	// repeat until the queue is closed
	for action := range n.queue {
		if action == nil {
			return
		}

		action()
	}
}
