package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/btt-go/opcache"
	"github.com/btt-go/opcache/metadata"
)

const (
	modeWarmUp  = "warmup"
	modeGet     = "get"
	modeInspect = "inspect"
)

func main() {
	mode := flag.String("mode", modeInspect, "Operation to run. Valid modes: [warmup, get, inspect]")
	source := flag.String("source", "mappings", "Directory of YAML entity mapping files (warmup).")
	key := flag.String("key", "", "Cache key to read (get).")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := opcache.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *mode, *source, *key, os.Stdout); err != nil {
		level.Error(logger).Log("msg", "opcache failed", "mode", *mode, "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *opcache.Config, logger log.Logger, mode, source, key string, out io.Writer) error {
	artifactPath, err := filepath.Abs(cfg.ArtifactPath)
	if err != nil {
		return err
	}
	outputDir := filepath.Dir(artifactPath)

	opts := []opcache.Option{
		opcache.WithLogger(logger),
		opcache.WithMetrics(opcache.NewMetrics(prometheus.DefaultRegisterer)),
	}

	fast := opcache.NewFastTier(osfs.New(outputDir), filepath.Base(artifactPath), opts...)

	pool, closePool, err := opcache.NewPool(ctx, cfg.Pool)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePool(); err != nil {
			level.Warn(logger).Log("msg", "failed to close fallback pool", "err", err)
		}
	}()

	switch mode {
	case modeWarmUp:
		dir := metadata.NewDir(osfs.New(source), ".", logger)
		w := opcache.NewWarmer(cfg.Warmer, fast, pool, dir, dir, opts...)
		if err := w.WarmUp(ctx, outputDir); err != nil {
			return err
		}
		r := w.LastReport()
		fmt.Fprintf(out, "run %s: %d candidates, %d included, %d keys published, %d failures in %s\n",
			r.RunID, r.Candidates, r.Included, r.Keys, len(r.Failures), r.Duration)
		for _, f := range r.Failures {
			fmt.Fprintf(out, "  skipped: %v\n", f)
		}
		return nil

	case modeGet:
		if key == "" {
			return fmt.Errorf("-key is required in %s mode", modeGet)
		}
		cache := opcache.NewTieredCache(fast, pool, opts...)
		item, err := cache.GetItem(ctx, key)
		if err != nil {
			return err
		}
		if !item.IsHit() {
			return fmt.Errorf("%s: %w", key, opcache.ErrNotFound)
		}
		fmt.Fprintf(out, "%s\n", item.Value)
		return nil

	case modeInspect:
		if err := fast.LoadError(); err != nil {
			return err
		}
		info, statErr := os.Stat(artifactPath)
		size := "absent"
		if statErr == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(out, "artifact %s (%s), checksum %016x, %d keys\n", artifactPath, size, fast.Checksum(), fast.Len())
		for _, k := range fast.Keys() {
			fmt.Fprintln(out, k)
		}
		return nil
	}
	return fmt.Errorf("unknown mode %q", mode)
}

func loadConfig() (*opcache.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	cfg := &opcache.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	// 解析在第一个未知参数处停止，逐个跳过直到找到配置参数
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if provided
	if configFile != "" {
		if err := opcache.LoadConfig(cfg, configFile, configExpandEnv); err != nil {
			return nil, err
		}
	}

	// overlay with cli
	flag.String(configFileOption, "", "Configuration file to load")
	flag.Bool(configExpandEnvOption, false, "Whether to expand environment variables in config file")
	flag.Parse()

	return cfg, nil
}
