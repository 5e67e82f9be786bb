// Package main implements the entry point for the media service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mediad",
	Short: "mediad - remote media storage for CMS collections",
	Long: `mediad stores uploaded collection files on a remote media service
(Cloudinary or an S3-compatible store) and serves documents, delivery URLs,
signed URLs and upload progress over HTTP.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().String("collections", "", "Collections file (overrides MEDIA_COLLECTIONS_FILE)")
	rootCmd.AddCommand(serveCmd, collectionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
