package detour

import (
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/text"
	"github.com/caarlos0/env/v8"
)

type config struct {
	// ArenaSize is the initial size of the executable arena that holds
	// generated trampolines.
	ArenaSize int `env:"DETOUR_ARENA_SIZE" envDefault:"1048576"`
	// ShapeCacheSize bounds the per-entry-point call shape cache.
	ShapeCacheSize int `env:"DETOUR_SHAPE_CACHE" envDefault:"128"`
	// Debug enables logging of redirect and synthesis activity.
	Debug bool `env:"DETOUR_DEBUG"`
}

// logger is package-private so enabling debug output doesn't hijack the
// host application's apex/log root logger.
var logger = &log.Logger{
	Handler: discard.Default,
	Level:   log.InfoLevel,
}

var (
	cfg     config
	cfgOnce sync.Once
)

// settings parses the environment once and configures logging.
func settings() config {
	cfgOnce.Do(func() {
		if err := env.Parse(&cfg); err != nil {
			// Fall back to the defaults baked into the struct tags.
			cfg = config{ArenaSize: 1 << 20, ShapeCacheSize: 128}
		}
		if cfg.Debug {
			logger.Handler = text.Default
			logger.Level = log.DebugLevel
		}
	})
	return cfg
}
