package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"sgdb"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "sgdb",
		Short:         "Inspect and edit a single-file graph database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&dbPath, "db", "d", "graph.sgdb", "database file")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML options file")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	root.AddCommand(
		infoCmd(),
		layoutCmd(),
		classCmd(),
		relationCmd(),
		insertCmd(),
		readCmd(),
		updateCmd(),
		removeCmd(),
		connectCmd(),
		disconnectCmd(),
		findCmd(),
		graphCmd(),
		resizeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sgdb: %v\n", err)
		os.Exit(1)
	}
}

// withDB opens the database, runs fn with a bounded context and closes it.
func withDB(fn func(ctx context.Context, db *sgdb.DB) error) error {
	opts := sgdb.DefaultOptions
	if configPath != "" {
		var err error
		if opts, err = sgdb.LoadOptions(configPath); err != nil {
			return err
		}
		if opts.LogLevel != "" {
			level, err := log.ParseLevel(opts.LogLevel)
			if err != nil {
				return errors.Wrap(err, "log level")
			}
			log.SetLevel(level)
		}
	} else {
		log.SetLevel(log.WarnLevel)
	}

	db, err := sgdb.Open(dbPath, 0644, opts)
	if err != nil {
		return errors.Wrapf(err, "open %s", dbPath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ferr := fn(ctx, db)
	if err := db.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}
