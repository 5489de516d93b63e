package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"nodepool/pkg/models"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func (a *app) recordsCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Print the persisted node records",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			var filter *models.NodeState
			if state != "" {
				parsed, ok := models.ParseNodeState(state)
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				filter = &parsed
			}

			recordStore, err := openStore(a.cfg.Storage)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, recordStore.Close())
			}()

			records, err := recordStore.Load(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(records, func(i, j int) bool {
				return records[i].Endpoint.Key() < records[j].Endpoint.Key()
			})

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, record := range records {
				if filter != nil && record.State != *filter {
					continue
				}
				if err := enc.Encode(record); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only print records stored in this state")
	return cmd
}
