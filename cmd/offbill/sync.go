package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and refresh reference data",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()

		// A manual run assumes the caller believes the network is up.
		app.SetOnline(true)
		report := app.SyncNow(cmd.Context())

		fmt.Printf("synced:  %d\n", report.SyncedCount)
		fmt.Printf("skipped: %d\n", report.Skipped)
		if report.Error != "" {
			fmt.Printf("errors:  %s\n", report.Error)
		}
		if !report.Success {
			return fmt.Errorf("sync made no progress")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many local records still await a push",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()

		unsynced, errored, err := app.GetUnsyncedCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("unsynced: %d\n", unsynced)
		fmt.Printf("errored:  %d\n", errored)
		return nil
	},
}

var signinCmd = &cobra.Command{
	Use:   "signin <token>",
	Short: "Persist the bearer token obtained from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := app.SignIn(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("signed in")
		return nil
	},
}
