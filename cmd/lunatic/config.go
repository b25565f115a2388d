package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/runtime"
)

// baseConfig collects the process-wide knobs every subcommand shares
// (worker count, fuel quantum, module cache size), loaded via viper so
// a config file or LUNATIC_* environment variable can override the
// built-in defaults without touching a subcommand's own flags.
//
// Flag parsing itself stays on two separate tracks, each doing the job
// it's best at: urfave/cli owns per-subcommand flags (--dir, --bench,
// --tag, ...), while a standalone pflag.FlagSet here only recognizes
// the single global --config flag, tolerating (and ignoring) every
// other flag urfave/cli will parse properly later.
type baseConfig struct {
	Workers         int
	FuelQuantum     uint64
	ModuleCacheSize int
}

// configFileFlag does a first, permissive pass over argv just to find
// --config/-c; everything else is left for urfave/cli's own parser.
func configFileFlag(args []string) string {
	fs := pflag.NewFlagSet("lunatic-global", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	fs.Usage = func() {}
	path := fs.StringP("config", "c", "", "path to a YAML/JSON config file")
	_ = fs.Parse(args)
	return *path
}

// loadBaseConfig builds a baseConfig from defaults, an optional config
// file, and LUNATIC_-prefixed environment variables (highest to lowest
// precedence: env, file, default).
func loadBaseConfig(configFile string) (baseConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("LUNATIC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("workers", 4)
	v.SetDefault("fuel_quantum", engine.DefaultFuelQuantum)
	v.SetDefault("module_cache_size", 128)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return baseConfig{}, fmt.Errorf("read config file %q: %w", configFile, err)
		}
	}

	return baseConfig{
		Workers:         v.GetInt("workers"),
		FuelQuantum:     uint64(v.GetInt64("fuel_quantum")),
		ModuleCacheSize: v.GetInt("module_cache_size"),
	}, nil
}

// toRuntimeConfig seeds a runtime.Config from the loaded base settings,
// layered onto runtime.DefaultConfig() for everything this layer
// doesn't override (e.g. DefaultProcessCfg).
func (b baseConfig) toRuntimeConfig() runtime.Config {
	cfg := runtime.DefaultConfig()
	cfg.Workers = b.Workers
	cfg.FuelQuantum = b.FuelQuantum
	cfg.ModuleCacheSize = b.ModuleCacheSize
	return cfg
}
