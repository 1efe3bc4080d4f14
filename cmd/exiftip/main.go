// Command exiftip serves metadata tooltips for photo pages and manages the
// tooltip cache.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"YAML file supplying flag defaults." type:"path" env:"EXIFTIP_CONFIG"`
	LogLevel  string           `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"EXIFTIP_LOG_LEVEL"`
	LogFormat string           `help:"Log format (${enum})." enum:"text,json,console" default:"text" env:"EXIFTIP_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`

	logger *slog.Logger
	out    io.Writer
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Serve tooltips, stats and page sessions over HTTP."`
	Preload PreloadCmd `cmd:"" help:"Resolve images into the cache in throttled batches."`
	Stats   StatsCmd   `cmd:"" help:"Print cache statistics."`
	Clear   ClearCmd   `cmd:"" help:"Remove every cached entry."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("exiftip"),
		kong.Description("Photographic metadata tooltips for content pages."),
		kong.UsageOnError(),
		kong.Configuration(YAMLLoader),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger
	cli.out = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "console":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: "15:04:05.000"})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
