package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
	"github.com/example/eventstream-ingest/internal/provision"
)

var createTransportCmd = &cobra.Command{
	Use:   "create-transport <name> [public-key]",
	Short: "Create a transport",
	Long: `Create a transport that subscriptions and transport events can reference.

public-key is the base64 encoding of a PEM public key or of an OpenSSH
authorized_keys line. Without it the transport cannot send signed events.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		autoSubscribe, _ := cmd.Flags().GetBool("auto-subscribe")
		var key string
		if len(args) == 2 {
			key = args[1]
		}
		return withStore(cmd.Context(), func(_ *ingestcfg.Config, store data.Store) error {
			res, err := provision.CreateTransport(cmd.Context(), store, args[0], key, autoSubscribe)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created transport %s (auto-subscribe=%t)\n", res.Transport.ID, res.Transport.AutoSubscribeOnEventCreate)
			if res.Fingerprint != "" {
				fmt.Fprintf(out, "fingerprint: %s\n", res.Fingerprint)
			}
			return nil
		})
	},
}

func init() {
	createTransportCmd.Flags().BoolP("auto-subscribe", "a", false, "subscribe users to streams this transport creates events in")
}
