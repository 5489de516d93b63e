package main

import (
	"encoding/json"
	"fmt"
	"os"

	"nodepool/pkg/models"
	"nodepool/pkg/prescreen"

	"github.com/spf13/cobra"
)

func (a *app) prescreenCommand() *cobra.Command {
	var quality string
	cmd := &cobra.Command{
		Use:   "prescreen host:port...",
		Short: "Run the two-stage TCP pre-screen against the given endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints := make([]models.Endpoint, 0, len(args))
			for _, arg := range args {
				endpoint, err := models.ParseEndpoint(arg)
				if err != nil {
					return err
				}
				endpoints = append(endpoints, endpoint)
			}

			screener := prescreen.New(a.cfg.Prescreen, nil)
			screener.Start()
			defer screener.Stop()

			results := screener.Screen(cmd.Context(), endpoints, models.ParseNetworkQuality(quality))
			enc := json.NewEncoder(os.Stdout)
			passed := 0
			for _, result := range results {
				if result.Passed {
					passed++
				}
				if err := enc.Encode(result); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stderr, "%d of %d endpoints reachable\n", passed, len(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&quality, "quality", "fair", "Network quality tier sizing the sweep (poor, fair, good, excellent)")
	return cmd
}
