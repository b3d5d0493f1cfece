package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-pipelines/pkg/config"
	"github.com/polisai/polis-pipelines/pkg/engine"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Build every endpoint pipeline and report errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			snapshot, err := config.LoadEndpoints(cfg.Endpoints.File)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			builder := engine.NewBuilder(engine.NewDefaultCatalog(logger), logger)
			failed := 0
			for _, endpoint := range snapshot.Endpoints {
				for _, method := range endpoint.MethodNames() {
					if _, err := builder.Build(cmd.Context(), endpoint.Methods[method]); err != nil {
						failed++
						fmt.Fprintf(out, "FAIL %s %s: %v\n", endpoint.Name, method, err)
						continue
					}
					fmt.Fprintf(out, "ok   %s %s\n", endpoint.Name, method)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d pipeline(s) failed to build", failed)
			}

			// Registry-level checks: duplicate names, paths and methods.
			if err := newRegistry(logger).UpdateEndpoints(cmd.Context(), snapshot.Endpoints); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d endpoint(s) valid (generation %s)\n", len(snapshot.Endpoints), snapshot.Generation)
			return nil
		},
	}
}

func newDescribeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [endpoint...]",
		Short: "Print endpoint input and output metadata as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			registry, _, err := loadRegistry(cmd.Context(), cfg.Endpoints.File, logger)
			if err != nil {
				return err
			}

			byName := make(map[string]engine.Endpoint)
			for _, endpoint := range registry.List() {
				byName[endpoint.Spec.Name] = endpoint
			}
			names := args
			if len(names) == 0 {
				for name := range byName {
					names = append(names, name)
				}
				sort.Strings(names)
			}

			descriptions := make([]engine.EndpointDescription, 0, len(names))
			for _, name := range names {
				endpoint, ok := byName[name]
				if !ok {
					return fmt.Errorf("unknown endpoint %q", name)
				}
				descriptions = append(descriptions, engine.Describe(endpoint))
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(descriptions); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
