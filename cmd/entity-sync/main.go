package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/vertebrate/internal/pkg/application/config"
	"github.com/diwise/vertebrate/internal/pkg/application/notifier"
	"github.com/diwise/vertebrate/internal/pkg/application/resources"
	"github.com/diwise/vertebrate/internal/pkg/infrastructure/router"
	"github.com/diwise/vertebrate/internal/pkg/presentation/api/rest"
	"github.com/diwise/vertebrate/internal/pkg/presentation/api/rest/auth"
	"github.com/diwise/vertebrate/pkg/entities"
	"github.com/diwise/vertebrate/pkg/entitysets"
	"github.com/diwise/vertebrate/pkg/transport"
)

const serviceName string = "entity-sync"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, "json")
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags, err := parseExternalConfig(ctx, DefaultFlags(), os.Args[1:])
	if err != nil {
		log.Error("failed to parse flags", "err", err.Error())
		os.Exit(1)
	}

	cfg, err := config.LoadConfigurationFile(flags[configPath])
	if err != nil {
		log.Error("failed to load resource configuration", "path", flags[configPath], "err", err.Error())
		os.Exit(1)
	}

	if flags[serveMode] == "true" {
		err = serve(ctx, flags, cfg)
	} else {
		err = run(ctx, flags, cfg, os.Stdout)
	}

	if err != nil {
		log.Error("entity-sync failed", "err", err.Error())
		os.Exit(1)
	}
}

// run fetches every configured resource into a set and writes the sets as a
// single json object keyed by resource name
func run(ctx context.Context, flags FlagMap, cfg *config.Config, out io.Writer) error {
	log := logging.GetFromContext(ctx)

	var n notifier.Notifier
	if cfg.Notifier != nil && cfg.Notifier.Endpoint != "" {
		var err error
		n, err = notifier.NewNotifier(ctx, cfg.Notifier.Endpoint, nil)
		if err != nil {
			return err
		}

		n.Start()
		defer n.Stop()
	}

	result := map[string]*entitysets.Set{}
	failures := []error{}

	for _, res := range cfg.Resources {
		if flags[resourceName] != "" && flags[resourceName] != res.Name {
			continue
		}

		if res.URL == "" {
			log.Debug("resource has no url and is only served", "resource", res.Name)
			continue
		}

		set := newSet(res)

		if n != nil {
			n.Watch(ctx, res.Name, set, notificationEvents(cfg.Notifier)...)
		}

		if err := set.Fetch(ctx); err != nil {
			log.Error("failed to fetch resource", "resource", res.Name, "err", err.Error())
			failures = append(failures, fmt.Errorf("%s: %w", res.Name, err))
			continue
		}

		log.Info("resource fetched", "resource", res.Name, "count", set.Len())
		result[res.Name] = set
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	return errors.Join(failures...)
}

func notificationEvents(cfg *config.NotifierConfig) []string {
	if len(cfg.Events) == 0 {
		return notifier.DefaultEvents
	}
	return cfg.Events
}

func newSet(res config.Resource) *entitysets.Set {
	t := transport.NewHTTPTransport(transportOptions(res)...)

	decorators := []entitysets.SetDecoratorFunc{
		entitysets.Of(&entities.Kind{Name: res.Name}),
		entitysets.URL(res.URL),
		entitysets.WithTransport(t),
	}

	if res.SortBy != "" {
		comparator := entitysets.ByAttribute(res.SortBy)
		if res.Descending {
			comparator = entitysets.Descending(comparator)
		}
		decorators = append(decorators, entitysets.SortedBy(comparator))
	} else if res.Descending {
		decorators = append(decorators, entitysets.SortedBy(entitysets.Descending(entitysets.DefaultComparator)))
	}

	return entitysets.New(decorators...)
}

func transportOptions(res config.Resource) []transport.HTTPOption {
	options := []transport.HTTPOption{
		transport.Debug(strconv.FormatBool(res.Debug)),
	}

	if res.Origin != "" {
		options = append(options, transport.Origin(res.Origin))
	}

	for name, value := range res.Headers {
		options = append(options, transport.Header(name, value))
	}

	return options
}

// serve hosts the configured resources from memory, seeded from the
// configuration, until ctx is cancelled
func serve(ctx context.Context, flags FlagMap, cfg *config.Config) error {
	log := logging.GetFromContext(ctx)

	var policies io.Reader
	if flags[policiesPath] != "" {
		f, err := os.Open(flags[policiesPath])
		if err != nil {
			return fmt.Errorf("failed to open policies: %w", err)
		}
		defer f.Close()
		policies = f
	}

	handler, err := newServeHandler(ctx, cfg, policies)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        net.JoinHostPort(flags[listenAddress], flags[servicePort]),
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.WithoutCancel(ctx))
	}()

	log.Info("starting to listen for connections", "addr", srv.Addr)

	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func newServeHandler(ctx context.Context, cfg *config.Config, policies io.Reader) (http.Handler, error) {
	names := []string{}
	for _, res := range cfg.Resources {
		names = append(names, res.Path())
	}

	app := resources.NewInMemoryResourceManager(names...)
	for _, res := range cfg.Resources {
		if err := resources.Seed(ctx, app, res.Path(), res.Seed); err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", res.Name, err)
		}
	}

	middleware := []func(http.Handler) http.Handler{}
	if policies != nil {
		authenticator, err := auth.NewAuthenticator(ctx, policies)
		if err != nil {
			return nil, fmt.Errorf("failed to create api authenticator: %w", err)
		}
		middleware = append(middleware, auth.Middleware(authenticator))
	}

	r := router.New(serviceName, logging.GetFromContext(ctx))
	rest.RegisterHandlers(r, app, middleware...)

	return r, nil
}
