package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"nodepool/pkg/discovery"

	"github.com/spf13/cobra"
)

func (a *app) discoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Resolve the DNS seeds once and print the filtered RPC endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.discover(cmd.Context())
		},
	}
}

func (a *app) discover(ctx context.Context) error {
	network, err := a.cfg.ResolveNetwork()
	if err != nil {
		return err
	}

	d := discovery.New(discovery.Config{
		Network: network,
		Filter:  discovery.NewFilter(network, a.cfg.AllowedPorts(network)),
		Timeout: a.cfg.Discovery.Timeout,
	})
	endpoints, err := d.ResolveSeeds(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, endpoint := range endpoints {
		if err := enc.Encode(endpoint); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d endpoints from %d seeds\n", len(endpoints), len(network.DNSSeeds))
	return nil
}
