package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the project database",
}

var dbSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Drop and recreate the database schema",
	Long: `Recreates every table of the project database.

This is a destructive action: all lands, expressions, links and media
are lost. The command asks for confirmation first.`,
	RunE: runDbSetup,
}

func runDbSetup(cmd *cobra.Command, args []string) error {
	if !confirm("Warning, existing data will be lost, type 'Y' to proceed : ") {
		fmt.Println("Database setup aborted")
		return nil
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Setup(); err != nil {
		return err
	}
	fmt.Println("Model created, setup complete")
	return nil
}

func init() {
	dbCmd.AddCommand(dbSetupCmd)
}
