package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"aegisflux/nets/internal/store"
)

var errLimitReached = errors.New("limit reached")

func newFlowsCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "flows ARCHIVE",
		Short: "Print records from a compressed storage archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case "", store.KindFlow, store.KindAlert:
			default:
				return fmt.Errorf("unknown record kind %q", kind)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			printed := 0
			err := store.ReadArchive(args[0], func(rec *store.Record) error {
				if kind != "" && rec.Kind != kind {
					return nil
				}
				if limit > 0 && printed >= limit {
					return errLimitReached
				}
				printed++
				if rec.Flow != nil {
					return enc.Encode(rec.Flow)
				}
				return enc.Encode(rec.Alert)
			})
			if errors.Is(err, errLimitReached) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&kind, "kind", store.KindFlow, "Record kind to print (flow, alert, or empty for both)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of records (0 prints all)")
	return cmd
}
