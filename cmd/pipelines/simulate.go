package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine"
)

func newSimulateCmd(opts *globalOptions) *cobra.Command {
	var (
		data    string
		headers []string
	)
	cmd := &cobra.Command{
		Use:     "simulate <endpoint> <method>",
		Short:   "Run one endpoint pipeline locally and print the unit trace",
		Example: `  pipelines simulate orders POST --data '{"sku": "abc-1"}' --header X-Tenant=acme`,
		Args:    cobra.ExactArgs(2),
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

			req := engine.SimulationRequest{
				Endpoint: args[0],
				Method:   strings.ToUpper(args[1]),
				Input:    domain.DataBag{},
				Headers:  make(map[string]string, len(headers)),
			}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &req.Input); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, "=")
				if !ok {
					return fmt.Errorf("--header %q must be NAME=VALUE", h)
				}
				req.Headers[name] = value
			}

			sim := engine.NewSimulator(registry, engine.NewExecutor(engine.ExecutorConfig{
				Logger:      logger,
				MaxParallel: cfg.Engine.MaxParallel,
			}), logger)
			resp, err := sim.Simulate(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(resp); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Input DataBag as a JSON object")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Request header NAME=VALUE (repeatable)")
	return cmd
}
