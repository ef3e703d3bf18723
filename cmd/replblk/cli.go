package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kakao/replblk/internal/buildinfo"
	"github.com/kakao/replblk/internal/flags"
)

const (
	appName = "replblk"

	categoryBench = "Bench:"
	categoryPeer  = "Peer:"
)

var (
	flagInstanceID = &cli.StringFlag{
		Name:    "instance-id",
		EnvVars: []string{"REPLBLK_INSTANCE_ID"},
		Value:   "0",
		Usage:   "Identifier of this device in logs and metrics.",
	}

	flagDuration = &cli.DurationFlag{
		Name:     "duration",
		Category: categoryBench,
		Aliases:  []string{"d"},
		Value:    10 * time.Second,
		Usage:    "Duration of the workload.",
	}
	flagWorkers = &cli.IntFlag{
		Name:     "workers",
		Category: categoryBench,
		Aliases:  []string{"c"},
		Value:    16,
		Usage:    "Number of goroutines submitting I/O.",
	}
	flagIOSize = &cli.StringFlag{
		Name:     "io-size",
		Category: categoryBench,
		Value:    "4KiB",
		Usage:    "Size of each I/O. It must be a multiple of the sector size.",
	}
	flagReadRatio = &cli.Float64Flag{
		Name:     "read-ratio",
		Category: categoryBench,
		Value:    0.3,
		Usage:    "Fraction of I/Os that are reads, between 0 and 1.",
	}
	flagSeed = &cli.Int64Flag{
		Name:     "seed",
		Category: categoryBench,
		Usage:    "Seed of the random offsets. The current time is used if zero.",
	}
	flagDisconnectAfter = &cli.DurationFlag{
		Name:     "disconnect-after",
		Category: categoryBench,
		Usage:    "Break the connection to the peer after the given time. Zero keeps it.",
	}
	flagReconnectAfter = &cli.DurationFlag{
		Name:     "reconnect-after",
		Category: categoryBench,
		Usage:    "Connect to the peer again the given time after the disconnection. Zero keeps it disconnected.",
	}
	flagDrainTimeout = &cli.DurationFlag{
		Name:     "drain-timeout",
		Category: categoryBench,
		Value:    30 * time.Second,
		Usage:    "Time to wait for requests in flight to retire after the workload.",
	}

	flagPeerLatency = &cli.DurationFlag{
		Name:     "peer-latency",
		Category: categoryPeer,
		Usage:    "Delay of every answer of the peer.",
	}
	flagPeerAckInSync = &cli.BoolFlag{
		Name:     "peer-ack-in-sync",
		Category: categoryPeer,
		Usage:    "The peer acknowledges writes as in sync, which clears out-of-sync blocks.",
	}
	flagSendTimeout = &cli.DurationFlag{
		Name:     "send-timeout",
		Category: categoryPeer,
		Value:    5 * time.Second,
		Usage:    "Timeout of a send to the peer.",
	}
	flagCongestionThreshold = &cli.IntFlag{
		Name:     "congestion-threshold",
		Category: categoryPeer,
		Usage:    "Number of queued work items beyond which the link is congested and the device goes ahead. Zero disables it.",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    appName,
		Usage:   "replicated block device",
		Version: buildinfo.Read().Version,
		Commands: []*cli.Command{
			newBenchCommand(),
			newInspectCommand(),
		},
	}
}

func init() {
	cli.VersionPrinter = func(c *cli.Context) {
		_, _ = fmt.Fprintln(c.App.Writer, buildinfo.Read())
	}
}

func newBenchCommand() *cli.Command {
	cmdFlags := []cli.Flag{
		flagInstanceID,
		flagDuration,
		flagWorkers,
		flagIOSize,
		flagReadRatio,
		flagSeed,
		flagDisconnectAfter,
		flagReconnectAfter,
		flagDrainTimeout,
		flagPeerLatency,
		flagPeerAckInSync,
		flagSendTimeout,
		flagCongestionThreshold,
	}
	cmdFlags = append(cmdFlags, flags.DeviceFlags()...)
	cmdFlags = append(cmdFlags, flags.StorageFlags()...)
	cmdFlags = append(cmdFlags, flags.LoggerFlags()...)
	cmdFlags = append(cmdFlags, flags.TelemetryFlags()...)
	return &cli.Command{
		Name:   "bench",
		Usage:  "run a read/write workload on a device replicated to an in-process peer",
		Flags:  cmdFlags,
		Action: runBench,
	}
}

func newInspectCommand() *cli.Command {
	cmdFlags := []cli.Flag{
		flags.DeviceSize,
		flags.DataDir,
	}
	cmdFlags = append(cmdFlags, flags.LoggerFlags()...)
	return &cli.Command{
		Name:   "inspect",
		Usage:  "print the out-of-sync state and the size of the stores in a data directory",
		Flags:  cmdFlags,
		Action: runInspect,
	}
}
