package main

import (
	"context"
	"flag"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	listenAddress FlagType = iota
	servicePort

	configPath
	policiesPath

	resourceName
	serveMode
)

func DefaultFlags() FlagMap {
	return FlagMap{
		listenAddress: "",
		servicePort:   "8080",
		configPath:    "/opt/vertebrate/config/resources.yaml",
		policiesPath:  "",
		resourceName:  "",
		serveMode:     "false",
	}
}

// parseExternalConfig reads the environment first and lets command line flags
// override what was found there
func parseExternalConfig(ctx context.Context, flags FlagMap, args []string) (FlagMap, error) {
	flags[listenAddress] = env.GetVariableOrDefault(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = env.GetVariableOrDefault(ctx, "SERVICE_PORT", flags[servicePort])
	flags[configPath] = env.GetVariableOrDefault(ctx, "RESOURCES_CONFIG_PATH", flags[configPath])
	flags[policiesPath] = env.GetVariableOrDefault(ctx, "POLICIES_PATH", flags[policiesPath])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	fs := flag.NewFlagSet("entity-sync", flag.ContinueOnError)
	fs.Func("config", "path to the yaml or toml file that describes the resources", apply(configPath))
	fs.Func("policies", "path to a rego file with access policies for serve mode", apply(policiesPath))
	fs.Func("resource", "only sync the named resource", apply(resourceName))
	fs.Func("port", "port to listen on in serve mode", apply(servicePort))
	fs.BoolFunc("serve", "serve the configured resources from memory instead of syncing them", apply(serveMode))

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return flags, nil
}
