package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vessel/internal/config"
	"vessel/internal/snapshot"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and manage saved session states",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved states",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		names, err := store.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No saved states.")
			return nil
		}
		for _, name := range names {
			doc, err := store.Load(name)
			if err != nil {
				fmt.Printf("%s (unreadable: %v)\n", name, err)
				continue
			}
			fmt.Printf("%-24s %s  %d functions, %d variables, %d capabilities\n",
				name, doc.CreatedAt.Format("2006-01-02 15:04"),
				len(doc.Functions), len(doc.Variables), len(doc.Capabilities))
		}
		return nil
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a saved state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		doc, err := store.Load(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted state %q\n", args[0])
		return nil
	},
}

func openStateStore() (*snapshot.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return snapshot.NewStore(cfg.StateDir)
}
