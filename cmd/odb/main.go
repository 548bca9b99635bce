// Command odb inspects and serves an observable document store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maruel/odb/internal/config"
	"github.com/maruel/odb/internal/driver"
	_ "github.com/maruel/odb/internal/drivers/jsonl"
	_ "github.com/maruel/odb/internal/drivers/memdb"
	_ "github.com/maruel/odb/internal/drivers/pebbledb"
	_ "github.com/maruel/odb/internal/drivers/remote"
	_ "github.com/maruel/odb/internal/drivers/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "odb: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	driverName string
	dataDir    string
	logLevel   string

	level *slog.LevelVar
	cfg   *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{level: &slog.LevelVar{}}
	cmd := &cobra.Command{
		Use:           "odb",
		Short:         "Observable document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "odb.yaml", "configuration file")
	f.StringVar(&opts.driverName, "driver", "", "driver name, overriding the configuration")
	f.StringVar(&opts.dataDir, "data-dir", "", "data directory of file based drivers")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newGetCommand(opts),
		newFindCommand(opts),
		newPutCommand(opts),
		newRmCommand(opts),
		newWatchCommand(opts),
		newJobCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

func (o *rootOptions) init(cmd *cobra.Command) error {
	initLogger(o.level)
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.driverName != "" {
		cfg.Driver.Name = o.driverName
	}
	if o.dataDir != "" {
		if cfg.Driver.Props == nil {
			cfg.Driver.Props = map[string]string{}
		}
		cfg.Driver.Props["dir"] = o.dataDir
		cfg.Driver.Props["path"] = filepath.Join(o.dataDir, "odb.sqlite")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	o.level.Set(lvl)
	o.cfg = cfg
	return nil
}

// open opens the configured driver.
func (o *rootOptions) open(ctx context.Context) (driver.Driver, error) {
	drv, err := driver.Open(ctx, o.cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("failed to open driver %s: %w", o.cfg.Driver.Name, err)
	}
	slog.Debug("driver opened", "driver", drv.Name())
	return drv, nil
}

func initLogger(ll *slog.LevelVar) {
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
}
