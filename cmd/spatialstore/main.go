// spatialstore serves bounding-box queries over spatial indexes of a JSON
// document collection
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nainya/spatialstore/internal/config"
)

var (
	rootCmd = &cobra.Command{
		Use:     "spatialstore",
		Short:   "Spatial indexes over a JSON document collection",
		Long:    `spatialstore keeps R-tree indexes of document geometries current with a durable change log and answers bounding-box queries over HTTP and gRPC.`,
		Version: "1.0.0",
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, gRPC and observability servers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	importCmd = &cobra.Command{
		Use:   "import [file.geojson]",
		Short: "Bulk-load a GeoJSON FeatureCollection into the document log",
		Long:  `Each feature becomes a document holding its properties and its geometry under the geometry field. The server must not be running on the same data directory.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	configPath string
	dataDir    string
	logLevel   string

	idProperty    string
	geometryField string
	batchSize     int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&idProperty, "id-property", "", "Feature property used as the document id when the feature has no id")
	importCmd.Flags().StringVar(&geometryField, "geometry-field", "geometry", "Document field the feature geometry is stored under")
	importCmd.Flags().IntVar(&batchSize, "batch-size", 1000, "Documents written per atomic batch")
}

// loadConfig resolves configuration from .env, the config file, the
// environment and finally the command line
func loadConfig() (*config.Config, error) {
	config.LoadDotEnv(".env")

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
