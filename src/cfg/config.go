package cfg

import (
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/txnlog/src/storage/disk"
)

const EnvPrefix = "TXNLOG"

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}

// Config is read from TXNLOG_* variables, optionally seeded from a .env
// file.
type Config struct {
	Environment Environment `default:"dev"`

	LogPath string `default:"./txnlog" split_words:"true"`
	DBName  string `default:"txnlog"   split_words:"true"`

	ActivePages       uint64 `default:"1024" split_words:"true"`
	BufferPages       int    `default:"64"   split_words:"true"`
	ArchiveCachePages int64  `default:"256"  split_words:"true"`

	MaxTransactions      int `default:"128"    split_words:"true"`
	PostponeCacheEntries int `default:"512"    split_words:"true"`
	PostponeCacheBytes   int `default:"102400" split_words:"true"`

	FlushInterval       time.Duration `default:"1s"  split_words:"true"`
	GroupCommitInterval time.Duration `default:"0s"  split_words:"true"`
	LockWaitTimeout     time.Duration `default:"10s" split_words:"true"`

	TwoPCVoteTimeout    time.Duration `default:"5s"    envconfig:"TWOPC_VOTE_TIMEOUT"`
	TwoPCRetries        int           `default:"8"     envconfig:"TWOPC_RETRIES"`
	TwoPCBackoffInitial time.Duration `default:"50ms"  envconfig:"TWOPC_BACKOFF_INITIAL"`
	TwoPCBackoffMax     time.Duration `default:"2s"    envconfig:"TWOPC_BACKOFF_MAX"`
	TwoPCWorkers        int           `default:"16"    envconfig:"TWOPC_WORKERS"`
	TwoPCResendInterval time.Duration `default:"5s"    envconfig:"TWOPC_RESEND_INTERVAL"`

	LogWriterBufferPages int           `default:"32"    split_words:"true"`
	LogWriterCompress    bool          `default:"false" split_words:"true"`
	ReplicationTimeout   time.Duration `default:"30s"   split_words:"true"`

	ServerStatus string `default:"active" split_words:"true"`
}

// Load reads the configuration. path names a .env file; when empty, a
// .env in the working directory is used if there is one.
func Load(path string) (Config, error) {
	switch {
	case path != "":
		if err := godotenv.Load(path); err != nil {
			return Config{}, errors.Wrapf(err, "load %s", path)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return Config{}, errors.Wrap(err, "load .env")
			}
		}
	}

	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, errors.Wrap(err, "process environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default is the configuration with every variable unset.
func Default() Config {
	return Config{
		Environment:          DefaultEnv,
		LogPath:              "./txnlog",
		DBName:               "txnlog",
		ActivePages:          1024,
		BufferPages:          64,
		ArchiveCachePages:    256,
		MaxTransactions:      128,
		PostponeCacheEntries: 512,
		PostponeCacheBytes:   100 << 10,
		FlushInterval:        time.Second,
		LockWaitTimeout:      10 * time.Second,
		TwoPCVoteTimeout:     5 * time.Second,
		TwoPCRetries:         8,
		TwoPCBackoffInitial:  50 * time.Millisecond,
		TwoPCBackoffMax:      2 * time.Second,
		TwoPCWorkers:         16,
		TwoPCResendInterval:  5 * time.Second,
		LogWriterBufferPages: 32,
		ReplicationTimeout:   30 * time.Second,
		ServerStatus:         disk.ServerStatusActive.String(),
	}
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return err
	}
	if c.DBName == "" {
		return errors.New("database name must not be empty")
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"active pages", int64(c.ActivePages)}, //nolint:gosec
		{"buffer pages", int64(c.BufferPages)},
		{"archive cache pages", c.ArchiveCachePages},
		{"max transactions", int64(c.MaxTransactions)},
		{"postpone cache entries", int64(c.PostponeCacheEntries)},
		{"postpone cache bytes", int64(c.PostponeCacheBytes)},
		{"2pc retries", int64(c.TwoPCRetries)},
		{"2pc workers", int64(c.TwoPCWorkers)},
		{"log writer buffer pages", int64(c.LogWriterBufferPages)},
		{"flush interval", int64(c.FlushInterval)},
		{"2pc resend interval", int64(c.TwoPCResendInterval)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if uint64(c.BufferPages) >= c.ActivePages { //nolint:gosec
		return errors.Errorf(
			"buffer pages (%d) must be fewer than active pages (%d)",
			c.BufferPages,
			c.ActivePages,
		)
	}
	if c.GroupCommitInterval < 0 {
		return errors.New("group commit interval must not be negative")
	}
	if c.TwoPCBackoffInitial <= 0 || c.TwoPCBackoffMax < c.TwoPCBackoffInitial {
		return errors.Errorf(
			"2pc backoff must satisfy 0 < initial (%s) <= max (%s)",
			c.TwoPCBackoffInitial,
			c.TwoPCBackoffMax,
		)
	}
	if _, err := disk.ParseServerStatus(c.ServerStatus); err != nil {
		return err
	}
	return nil
}
