package main

import (
	"encoding/json"
	"fmt"

	"github.com/RegistryAccord/registryaccord-media-go/internal/config"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/spf13/cobra"
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Validate the collections file and print the normalized configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := config.LoadCollections(collectionsPath(cmd))
		if err != nil {
			return err
		}

		normalized := options.NormalizeAll(raw)
		out := make(map[string]any, len(normalized))
		for slug, cfg := range normalized {
			out[slug] = cfg.Raw()
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("render collections: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

// collectionsPath prefers the --collections flag over the environment.
func collectionsPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("collections"); p != "" {
		return p
	}
	return config.CollectionsFile()
}
