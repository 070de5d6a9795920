package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/diwise/vertebrate/internal/pkg/application/resources"
	"github.com/diwise/vertebrate/pkg/errors"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceAttributeResource string = "resource"
	TraceAttributeItemID   string = "item-id"
)

var tracer = otel.Tracer("vertebrate/rest")

// RegisterHandlers exposes every resource of app as a json collection below
// /{resource}, with its items at /{resource}/{id}
func RegisterHandlers(r chi.Router, app resources.ResourceManager, middleware ...func(http.Handler) http.Handler) {
	middleware = append(middleware,
		RequiredContentTypes([]string{"application/json"}),
	)

	r.Route("/{resource}", func(r chi.Router) {
		r.Use(middleware...)

		r.Get("/", NewQueryItemsHandler(app))
		r.Post("/", NewCreateItemHandler(app))

		r.Route("/{itemID}", func(r chi.Router) {
			r.Get("/", NewRetrieveItemHandler(app))
			r.Put("/", NewReplaceItemHandler(app))
			r.Delete("/", NewDeleteItemHandler(app))
		})
	})
}

func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			isValidContentType := true

			if len(contentType) > 0 {
				isValidContentType = false

				for _, t := range validTypes {
					if strings.HasPrefix(contentType, t) {
						isValidContentType = true
						break
					}
				}
			}

			if isValidContentType {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			}
		})
	}
}

func NewQueryItemsHandler(app resources.ItemQuerier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		resource := chi.URLParam(r, "resource")

		ctx, span := tracer.Start(r.Context(), "query-items",
			trace.WithAttributes(attribute.String(TraceAttributeResource, resource)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		items, err := app.QueryItems(ctx, resource)
		if err != nil {
			reportError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, items)
	}
}

func NewCreateItemHandler(app resources.ItemCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		resource := chi.URLParam(r, "resource")

		ctx, span := tracer.Start(r.Context(), "create-item",
			trace.WithAttributes(attribute.String(TraceAttributeResource, resource)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		item := map[string]any{}
		if err = json.NewDecoder(r.Body).Decode(&item); err != nil {
			errors.NewBadRequestData(fmt.Sprintf("unable to decode request payload: %s", err.Error())).WriteResponse(w)
			return
		}

		result, err := app.CreateItem(ctx, resource, item)
		if err != nil {
			reportError(w, err)
			return
		}

		logging.GetFromContext(ctx).Info("item created", "location", result.Location())

		w.Header().Add("Location", "/"+result.Location())
		writeJSON(w, http.StatusCreated, result.Item())
	}
}

func NewRetrieveItemHandler(app resources.ItemRetriever) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		resource, itemID := pathParams(r)

		ctx, span := tracer.Start(r.Context(), "retrieve-item",
			trace.WithAttributes(attribute.String(TraceAttributeResource, resource)),
			trace.WithAttributes(attribute.String(TraceAttributeItemID, itemID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		item, err := app.RetrieveItem(ctx, resource, itemID)
		if err != nil {
			reportError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, item)
	}
}

func NewReplaceItemHandler(app resources.ItemReplacer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		resource, itemID := pathParams(r)

		ctx, span := tracer.Start(r.Context(), "replace-item",
			trace.WithAttributes(attribute.String(TraceAttributeResource, resource)),
			trace.WithAttributes(attribute.String(TraceAttributeItemID, itemID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		item := map[string]any{}
		if err = json.NewDecoder(r.Body).Decode(&item); err != nil {
			errors.NewBadRequestData(fmt.Sprintf("unable to decode request payload: %s", err.Error())).WriteResponse(w)
			return
		}

		err = app.ReplaceItem(ctx, resource, itemID, item)
		if err != nil {
			reportError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func NewDeleteItemHandler(app resources.ItemDeleter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		resource, itemID := pathParams(r)

		ctx, span := tracer.Start(r.Context(), "delete-item",
			trace.WithAttributes(attribute.String(TraceAttributeResource, resource)),
			trace.WithAttributes(attribute.String(TraceAttributeItemID, itemID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = app.DeleteItem(ctx, resource, itemID)
		if err != nil {
			reportError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func pathParams(r *http.Request) (string, string) {
	itemID, err := url.PathUnescape(chi.URLParam(r, "itemID"))
	if err != nil {
		itemID = chi.URLParam(r, "itemID")
	}
	return chi.URLParam(r, "resource"), itemID
}

func reportError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case resources.AlreadyExistsError:
		errors.NewAlreadyExists(e.Error()).WriteResponse(w)
	case resources.BadRequestDataError:
		errors.NewBadRequestData(e.Error()).WriteResponse(w)
	case resources.NotFoundError:
		errors.NewNotFound(e.Error()).WriteResponse(w)
	case resources.UnknownResourceError:
		errors.NewNotFound(e.Error()).WriteResponse(w)
	default:
		errors.NewInternalError(e.Error()).WriteResponse(w)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		errors.NewInternalError(err.Error()).WriteResponse(w)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
