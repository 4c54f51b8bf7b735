// Package config loads nostrswarm's tunables from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	lol "lol.mleku.dev"
	"lol.mleku.dev/chk"
	"go-simpler.org/env"
)

// AppName is used to derive the default state directory under XDG_DATA_HOME.
const AppName = "nostrswarm"

// C holds every tunable the sampler, cache, and relay client need.
type C struct {
	LogLevel string `env:"NOSTRSWARM_LOG_LEVEL" default:"info" usage:"log level: fatal error warn info debug trace"`
	DataDir  string `env:"NOSTRSWARM_DATA_DIR" usage:"state directory, e.g. for a persisted seckey"`

	// verify.Sampler
	SamplerInitialRatio float64 `env:"NOSTRSWARM_SAMPLER_INITIAL_RATIO" default:"1.0" usage:"starting/warm-up verification probability"`
	SamplerLowestRatio  float64 `env:"NOSTRSWARM_SAMPLER_LOWEST_RATIO" default:"0.1" usage:"floor of the adaptive verification ratio; 0 with initial ratio 0 disables verification"`
	SamplerAutoBlacklist bool   `env:"NOSTRSWARM_SAMPLER_AUTO_BLACKLIST" default:"true" usage:"blacklist and disconnect a relay on its first invalid signature"`
	SamplerStrictMode    bool   `env:"NOSTRSWARM_SAMPLER_STRICT_MODE" default:"false" usage:"hold skipped events pending corroboration instead of optimistically delivering"`
	CacheCapacity        int    `env:"NOSTRSWARM_CACHE_CAPACITY" default:"10000" usage:"verification cache capacity (id -> sig entries)"`

	// relay.Client dial/reconnect. These three are loaded but not read by
	// relay.Client, which uses its own fixed dial timeout (7s) and
	// reconnect backoff bounds (500ms to 60s).
	DialTimeoutSeconds   int `env:"NOSTRSWARM_DIAL_TIMEOUT_SECONDS" default:"7" usage:"per-relay dial timeout"`
	BackoffBaseMillis    int `env:"NOSTRSWARM_BACKOFF_BASE_MILLIS" default:"500" usage:"reconnect backoff starting delay"`
	BackoffMaxSeconds    int `env:"NOSTRSWARM_BACKOFF_MAX_SECONDS" default:"60" usage:"reconnect backoff ceiling"`
	SinkCapacity         int `env:"NOSTRSWARM_SINK_CAPACITY" default:"64" usage:"per-subscription drop-oldest event buffer size"`
}

// New loads configuration from the environment, applying defaults and
// printing a usage message and exiting if a help flag is present.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.E(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if cfg.DataDir == "" || strings.Contains(cfg.DataDir, "~") {
		cfg.DataDir = filepath.Join(xdg.DataHome, AppName)
	}
	if HelpRequested() {
		PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	lol.SetLogLevel(cfg.LogLevel)
	return
}

// HelpRequested reports whether the first CLI argument is a help flag.
func HelpRequested() bool {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--help", "?":
			return true
		}
	}
	return false
}

// PrintHelp writes the usage table for C to w.
func PrintHelp(cfg *C, w *os.File) {
	fmt.Fprintln(w, "nostrswarm configuration (environment variables):")
	env.Usage(cfg, w, &env.Options{SliceSep: ","})
}
