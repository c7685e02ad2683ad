package server

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Defaults applied to Options fields left zero.
const (
	DefaultPort            = 8080
	DefaultPath            = "/ws"
	DefaultMaxConnections  = 100
	DefaultBatchWindow     = 100 * time.Millisecond
	DefaultGracefulTimeout = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSessionMaxAge   = 30 * time.Minute
	DefaultReadLimit       = 1 << 20 // bytes per inbound frame
)

// Options configures a Server. The zero value is usable; every field has a
// default.
type Options struct {
	// Host is the listen interface; empty means all interfaces.
	Host string
	// Port is the listen port (default 8080, env WS_PORT).
	Port int
	// Path is the WebSocket upgrade path (default /ws).
	Path string

	// PublicDir is the static asset root (default ./public).
	PublicDir string
	// KnowledgeDir is the knowledge store root; empty disables the store.
	KnowledgeDir string

	// MaxConnections bounds concurrent sessions; excess upgrades get 503.
	MaxConnections int
	// RingCapacity bounds each record's log ring.
	RingCapacity int
	// BatchWindow is how long process.log events accumulate before one
	// process_logs_updated frame per process is flushed.
	BatchWindow time.Duration
	// GracefulTimeout is the default SIGTERM-to-SIGKILL escalation delay.
	GracefulTimeout time.Duration
	// ShutdownTimeout bounds the whole shutdown; each per-process stop
	// gets half of it.
	ShutdownTimeout time.Duration

	// ReadLimit caps the size of one inbound WebSocket frame in bytes.
	ReadLimit int64

	// SessionMaxAge is the inactivity cutoff applied by CleanupInactive.
	SessionMaxAge time.Duration
	// JanitorInterval is how often inactive sessions are swept; zero
	// disables the sweep (cleanup stays available on demand).
	JanitorInterval time.Duration

	// Clock drives timers; tests inject a fake. Nil means the real clock.
	Clock clockwork.Clock
	// Logger receives internal logging. Nil means NewLogger().
	Logger *logrus.Logger
}

// FromEnv builds Options from the environment: WS_PORT, WS_HOST, WS_PATH,
// WARDEN_PUBLIC_DIR, and WARDEN_KNOWLEDGE_DIR. Unset or malformed variables
// leave the corresponding field at its default.
func FromEnv() Options {
	var o Options
	if v := os.Getenv("WS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			o.Port = port
		}
	}
	o.Host = os.Getenv("WS_HOST")
	o.Path = os.Getenv("WS_PATH")
	o.PublicDir = os.Getenv("WARDEN_PUBLIC_DIR")
	o.KnowledgeDir = os.Getenv("WARDEN_KNOWLEDGE_DIR")
	return o
}

// withDefaults returns a copy with every zero field filled in.
func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.PublicDir == "" {
		o.PublicDir = "public"
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = DefaultGracefulTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.SessionMaxAge <= 0 {
		o.SessionMaxAge = DefaultSessionMaxAge
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
	return o
}

// Addr returns the host:port the server listens on.
func (o Options) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// NewLogger builds the process-wide logger. A non-empty DEBUG environment
// variable selects debug level on stderr; otherwise output is discarded so
// any stdio-based transport sharing the process stays uncontaminated.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	if os.Getenv("DEBUG") != "" {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetOutput(io.Discard)
	}
	return log
}
