package flags

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/kakao/replblk/pkg/util/log"
)

const (
	CategoryLogger = "Logger:"

	DefaultLogFileMaxBackups     = 10
	DefaultLogFileRetentionDays  = 7
	DefaultLogFileMaxSizeMB      = log.DefaultMaxSizeMB
	DefaultLogLevel              = "info"
	DefaultLogSamplingTick       = time.Second
	DefaultLogSamplingFirst      = 100
	DefaultLogSamplingThereafter = 100
)

var (
	LogDir = &cli.StringFlag{
		Name:     "log-dir",
		Category: CategoryLogger,
		Aliases:  []string{"logdir"},
		EnvVars:  []string{"REPLBLK_LOG_DIR"},
		Usage:    "Directory for the log files. Logs are not written to files if empty.",
	}
	LogToStderr = &cli.BoolFlag{
		Name:     "log-to-stderr",
		Category: CategoryLogger,
		Aliases:  []string{"logtostderr"},
		EnvVars:  []string{"REPLBLK_LOG_TO_STDERR"},
		Value:    true,
		Usage:    "Print the logs to the stderr. Disable it with --log-to-stderr=false.",
	}
	LogFileMaxBackups = &cli.IntFlag{
		Name:     "log-file-max-backups",
		Category: CategoryLogger,
		EnvVars:  []string{"REPLBLK_LOG_FILE_MAX_BACKUPS"},
		Value:    DefaultLogFileMaxBackups,
		Usage:    "Maximum number of rotated log files. Zero retains all of them.",
		Action:   nonNegativeInt("log-file-max-backups"),
	}
	LogFileRetentionDays = &cli.IntFlag{
		Name:     "log-file-retention-days",
		Category: CategoryLogger,
		EnvVars:  []string{"REPLBLK_LOG_FILE_RETENTION_DAYS"},
		Value:    DefaultLogFileRetentionDays,
		Usage:    "Days to retain rotated log files. Zero retains them forever.",
		Action:   nonNegativeInt("log-file-retention-days"),
	}
	LogFileMaxSizeMB = &cli.IntFlag{
		Name:     "log-file-max-size-mb",
		Category: CategoryLogger,
		EnvVars:  []string{"REPLBLK_LOG_FILE_MAX_SIZE_MB"},
		Value:    DefaultLogFileMaxSizeMB,
		Usage:    "Size in megabytes at which a log file is rotated.",
		Action:   positiveInt("log-file-max-size-mb"),
	}
	LogFileCompression = &cli.BoolFlag{
		Name:     "log-file-compression",
		Category: CategoryLogger,
		EnvVars:  []string{"REPLBLK_LOG_FILE_COMPRESSION"},
		Usage:    "Compress rotated log files.",
	}
	LogHumanReadable = &cli.BoolFlag{
		Name:     "log-human-readable",
		Category: CategoryLogger,
		EnvVars:  []string{"REPLBLK_LOG_HUMAN_READABLE"},
		Usage:    "Write logs in the console format instead of JSON.",
	}
	LogLevel = &cli.StringFlag{
		Name:     "log-level",
		Category: CategoryLogger,
		Aliases:  []string{"loglevel"},
		EnvVars:  []string{"REPLBLK_LOG_LEVEL"},
		Value:    DefaultLogLevel,
		Usage:    "Log level, either debug, info, warn or error.",
		Action: func(_ *cli.Context, value string) error {
			if _, err := zapcore.ParseLevel(strings.ToLower(value)); err != nil {
				return fmt.Errorf("invalid value \"%s\" for flag --log-level", value)
			}
			return nil
		},
	}
	LogSampling = &cli.BoolFlag{
		Name:     "log-sampling",
		Category: CategoryLogger,
		EnvVars:  []string{"REPLBLK_LOG_SAMPLING"},
		Usage:    "Sample repeated log entries. Warnings about timeouts and anomalies can be noisy under load.",
	}
)

// ParseLoggerFlags converts the logger flags into options for log.New. The
// log file is named logFileName under the log directory.
func ParseLoggerFlags(c *cli.Context, logFileName string) (opts []log.Option, err error) {
	opts = []log.Option{
		log.WithMaxBackups(c.Int(LogFileMaxBackups.Name)),
		log.WithAgeDays(c.Int(LogFileRetentionDays.Name)),
		log.WithMaxSizeMB(c.Int(LogFileMaxSizeMB.Name)),
		log.WithLocalTime(),
	}

	if logDir := c.String(LogDir.Name); logDir != "" {
		logDir, err = filepath.Abs(logDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, log.WithPath(filepath.Join(logDir, logFileName)))
	}
	if !c.Bool(LogToStderr.Name) {
		opts = append(opts, log.WithoutLogToStderr())
	}
	if c.Bool(LogFileCompression.Name) {
		opts = append(opts, log.WithCompression())
	}
	if c.Bool(LogHumanReadable.Name) {
		opts = append(opts, log.WithHumanFriendly())
	}
	if c.Bool(LogSampling.Name) {
		opts = append(opts, log.WithZapSampling(DefaultLogSamplingTick, DefaultLogSamplingFirst, DefaultLogSamplingThereafter))
	}

	level, err := zapcore.ParseLevel(strings.ToLower(c.String(LogLevel.Name)))
	if err != nil {
		return nil, err
	}
	opts = append(opts, log.WithLogLevel(level))
	return opts, nil
}

// LoggerFlags returns all flags of the logger category.
func LoggerFlags() []cli.Flag {
	return []cli.Flag{
		LogDir,
		LogToStderr,
		LogFileMaxBackups,
		LogFileRetentionDays,
		LogFileMaxSizeMB,
		LogFileCompression,
		LogHumanReadable,
		LogLevel,
		LogSampling,
	}
}
