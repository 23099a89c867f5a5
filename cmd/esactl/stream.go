package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage streams and their members",
}

var streamCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		return withStore(cmd.Context(), func(_ *ingestcfg.Config, store data.Store) error {
			if err := store.CreateStream(cmd.Context(), data.Stream{ID: args[0], Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created stream %s\n", args[0])
			return nil
		})
	},
}

var streamAddMemberCmd = &cobra.Command{
	Use:   "add-member <stream> <user>",
	Short: "Add a user to a stream, creating the user if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		streamID, userID := args[0], args[1]
		return withStore(ctx, func(_ *ingestcfg.Config, store data.Store) error {
			return store.RunInTransaction(ctx, func(tx data.Store) error {
				if _, found, err := tx.FindStream(ctx, streamID); err != nil {
					return err
				} else if !found {
					return fmt.Errorf("stream %q: %w", streamID, data.ErrNotFound)
				}
				if _, err := tx.CreateUserIfAbsent(ctx, userID); err != nil {
					return fmt.Errorf("create user: %w", err)
				}
				su, err := tx.AddStreamUser(ctx, streamID, userID)
				if err != nil {
					return fmt.Errorf("add member: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "member %s of %s (%s)\n", userID, streamID, su.ID)
				return nil
			})
		})
	},
}

func init() {
	streamCreateCmd.Flags().String("name", "", "display name")
	streamCmd.AddCommand(streamCreateCmd)
	streamCmd.AddCommand(streamAddMemberCmd)
}
