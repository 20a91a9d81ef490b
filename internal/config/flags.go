package config

import (
	"flag"
	"os"
	"time"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the remote sync endpoint (default from Config)
//	-d string   data directory for the local database
//	-i int      minimum interval between triggered syncs, in seconds
//
// Only the flags handled here are parsed, via flagx.FilterArgs, to avoid
// interference with flags defined by other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.RemoteEndpoint, "a", cfg.RemoteEndpoint, "base URL of the remote sync endpoint")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	minSyncInterval := fs.Int("i", int(cfg.MinSyncInterval.Seconds()), "minimum sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.MinSyncInterval = time.Duration(*minSyncInterval) * time.Second
}
