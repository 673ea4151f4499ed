package narkdb

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const confFile = "conf.toml"

// Options configures an embedded database instance. A conf.toml at the
// db root overrides the zero values.
type Options struct {
	// LogFile routes engine logs through a rotating file sink; empty
	// keeps stderr.
	LogFile    string `toml:"logFile"`
	LogMaxMB   int    `toml:"logMaxMB"`
	LogBackups int    `toml:"logBackups"`
	LogLevel   string `toml:"logLevel"`

	// CompressionThreads <= 0 means NumCPU, still capped by the
	// TerarkDB_CompressionThreadsNum environment variable.
	CompressionThreads int `toml:"compressionThreads"`
}

// loadOptions merges conf.toml on top of opts.
func loadOptions(dir string, opts Options) (Options, error) {
	path := filepath.Join(dir, confFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return opts, nil
	}
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return opts, errors.Wrapf(err, "narkdb: parse %s", path)
	}
	return opts, nil
}

func setupLogging(opts Options) {
	if opts.LogFile != "" {
		maxMB := opts.LogMaxMB
		if maxMB <= 0 {
			maxMB = 64
		}
		backups := opts.LogBackups
		if backups <= 0 {
			backups = 4
		}
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    maxMB,
			MaxBackups: backups,
		})
	}
	if opts.LogLevel != "" {
		if level, err := logrus.ParseLevel(opts.LogLevel); err == nil {
			logrus.SetLevel(level)
		} else {
			logrus.Warnf("unknown log level %q", opts.LogLevel)
		}
	}
}
