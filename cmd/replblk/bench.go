package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kakao/replblk/internal/buildinfo"
	"github.com/kakao/replblk/internal/flags"
	"github.com/kakao/replblk/internal/storage"
	"github.com/kakao/replblk/internal/synctracker"
	"github.com/kakao/replblk/internal/telemetry"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/util/fputil"
	"github.com/kakao/replblk/pkg/util/log"
	utiltelemetry "github.com/kakao/replblk/pkg/util/telemetry"
	"github.com/kakao/replblk/pkg/util/units"
)

func newLogger(c *cli.Context, name string) (*zap.Logger, error) {
	logOpts, err := flags.ParseLoggerFlags(c, appName+".log")
	if err != nil {
		return nil, err
	}
	logger, err := log.New(logOpts...)
	if err != nil {
		return nil, err
	}
	return logger.Named(name), nil
}

func parseWorkloadConfig(c *cli.Context) (workloadConfig, error) {
	numSectors, err := units.SectorsFromByteSizeString(c.String(flags.DeviceSize.Name))
	if err != nil {
		return workloadConfig{}, err
	}
	ioSectors, err := units.SectorsFromByteSizeString(c.String(flagIOSize.Name))
	if err != nil {
		return workloadConfig{}, fmt.Errorf("invalid io size: %w", err)
	}
	if ioSectors > numSectors {
		return workloadConfig{}, fmt.Errorf("io size %s larger than device size %s", c.String(flagIOSize.Name), c.String(flags.DeviceSize.Name))
	}
	readRatio := c.Float64(flagReadRatio.Name)
	if readRatio < 0 || readRatio > 1 {
		return workloadConfig{}, fmt.Errorf("invalid read ratio %v", readRatio)
	}
	numWorkers := c.Int(flagWorkers.Name)
	if numWorkers <= 0 {
		return workloadConfig{}, fmt.Errorf("invalid number of workers %d", numWorkers)
	}
	return workloadConfig{
		numSectors: numSectors,
		ioSize:     uint32(ioSectors * types.SectorSize),
		readRatio:  readRatio,
		numWorkers: numWorkers,
		duration:   c.Duration(flagDuration.Name),
		seed:       c.Int64(flagSeed.Name),
	}, nil
}

func runBench(c *cli.Context) (err error) {
	wcfg, err := parseWorkloadConfig(c)
	if err != nil {
		return err
	}

	logger, err := newLogger(c, "bench")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	logger = logger.With(zap.String("instance", c.String(flagInstanceID.Name)))
	logger.Info("starting", zap.String("version", buildinfo.Read().Version))

	ctx, stopNotify := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stopNotify()

	mpOpts, err := flags.ParseTelemetryFlags(ctx, c, appName, c.String(flagInstanceID.Name))
	if err != nil {
		return err
	}
	mp, stopMeterProvider, err := utiltelemetry.NewMeterProvider(mpOpts...)
	if err != nil {
		return err
	}
	utiltelemetry.SetGlobalMeterProvider(mp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Duration(flags.TelemetryExporterStopTimeout.Name))
		defer cancel()
		err = multierr.Append(err, stopMeterProvider(ctx))
	}()

	metrics, err := telemetry.RegisterMetrics(mp.Meter("replblk"))
	if err != nil {
		return err
	}

	st, err := openStack(c, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, st.close())
	}()

	wl := newWorkload(wcfg, st.dev, logger)
	var (
		result *workloadResult
		g      errgroup.Group
	)
	faultCtx, stopFaults := context.WithCancel(ctx)
	defer stopFaults()
	g.Go(func() error {
		defer stopFaults()
		var err error
		result, err = wl.run(ctx)
		return err
	})
	g.Go(func() error {
		injectDisconnect(faultCtx, st, c.Duration(flagDisconnectAfter.Name), c.Duration(flagReconnectAfter.Name))
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	drainErr := st.drain(c.Duration(flagDrainTimeout.Name))
	if err := st.tracker.Flush(); err != nil {
		return err
	}
	printReport(c.App.Writer, c, st, result)
	if ctx.Err() != nil {
		logger.Info("interrupted")
	}
	return drainErr
}

// injectDisconnect breaks the connection after disconnectAfter and
// connects again reconnectAfter later. A zero disconnectAfter does
// nothing.
func injectDisconnect(ctx context.Context, st *stack, disconnectAfter, reconnectAfter time.Duration) {
	if disconnectAfter <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(disconnectAfter):
	}
	st.cluster.Disconnect()

	if reconnectAfter <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(reconnectAfter):
	}
	st.cluster.Connect()
}

func printReport(w io.Writer, c *cli.Context, st *stack, r *workloadResult) {
	devStats := st.dev.Stats()
	localStats := st.local.Stats()
	trackerStats := st.tracker.Stats()
	linkStats := st.link.Stats()
	peerStats := st.peer.Stats()

	secs := r.elapsed.Seconds()
	if secs == 0 {
		secs = 1
	}
	_, _ = fmt.Fprintf(w, "elapsed:            %v\n", r.elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "completed:          %d (%.0f IOPS)\n", r.completed(), float64(r.completed())/secs)
	_, _ = fmt.Fprintf(w, "reads:              %d (errors %d)\n", r.reads.Load(), r.readErrors.Load())
	_, _ = fmt.Fprintf(w, "writes:             %d (errors %d)\n", r.writes.Load(), r.writeErrors.Load())
	_, _ = fmt.Fprintf(w, "retries:            %d\n", r.retries.Load())
	_, _ = fmt.Fprintf(w, "latency:            mean %v, max %v\n", r.meanLatency(), time.Duration(r.maxLatency.Load())*time.Microsecond)
	_, _ = fmt.Fprintf(w, "local:              read %s, written %s\n",
		units.ToByteSizeString(float64(localStats.BytesRead)),
		units.ToByteSizeString(float64(localStats.BytesWritten)),
	)
	_, _ = fmt.Fprintf(w, "epochs:             current %s, open %d\n", devStats.CurrentEpoch, devStats.OpenEpochs)
	_, _ = fmt.Fprintf(w, "anomalies:          %d, timeouts %d\n", devStats.Anomalies, devStats.Timeouts)
	_, _ = fmt.Fprintf(w, "link:               data %d, read %d, oos %d, barriers %d, failed %d, canceled %d\n",
		linkStats.SentData, linkStats.SentRead, linkStats.SentOOS, linkStats.SentBarriers, linkStats.Failed, linkStats.Canceled)
	_, _ = fmt.Fprintf(w, "peer:               received %d, blocks %d, oos notices %d\n", peerStats.Received, peerStats.Blocks, peerStats.OOSNotices)
	_, _ = fmt.Fprintf(w, "connection:         %s\n", st.cluster.Conn())
	_, _ = fmt.Fprintf(w, "out of sync:        %s\n", units.ToByteSizeString(float64(trackerStats.OutOfSyncBlocks*synctracker.BlockSize)))
	_, _ = fmt.Fprintf(w, "activity log:       %d writes, %d active extents\n", trackerStats.ALWrites, trackerStats.ActiveExtents)
	if !c.Bool(flags.InMemory.Name) {
		dataDir, err := filepath.Abs(c.String(flags.DataDir.Name))
		if err == nil {
			_, _ = fmt.Fprintf(w, "data dir:           %s (%s)\n", dataDir, units.ToByteSizeString(float64(fputil.DirectorySize(dataDir))))
		}
	}
}

func runInspect(c *cli.Context) (err error) {
	numSectors, err := units.SectorsFromByteSizeString(c.String(flags.DeviceSize.Name))
	if err != nil {
		return err
	}
	dataDir, err := filepath.Abs(c.String(flags.DataDir.Name))
	if err != nil {
		return err
	}
	logger, err := newLogger(c, "inspect")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	metaStore, err := storage.Open(
		storage.WithPath(filepath.Join(dataDir, metaStoreName)),
		storage.WithWAL(true),
		storage.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, metaStore.Close())
	}()

	tracker, err := synctracker.Open(
		synctracker.WithStore(metaStore),
		synctracker.WithNumSectors(numSectors),
		synctracker.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	stats := tracker.Stats()
	if err := tracker.Close(); err != nil {
		return err
	}

	w := c.App.Writer
	_, _ = fmt.Fprintf(w, "device size:        %s\n", units.ToByteSizeString(float64(numSectors*types.SectorSize)))
	_, _ = fmt.Fprintf(w, "out of sync:        %s (%d blocks)\n", units.ToByteSizeString(float64(stats.OutOfSyncBlocks*synctracker.BlockSize)), stats.OutOfSyncBlocks)
	_, _ = fmt.Fprintf(w, "data dir:           %s (%s)\n", dataDir, units.ToByteSizeString(float64(fputil.DirectorySize(dataDir))))
	if all, used, err := fputil.DiskSize(dataDir); err == nil {
		_, _ = fmt.Fprintf(w, "disk:               %s used of %s\n", units.ToByteSizeString(float64(used)), units.ToByteSizeString(float64(all)))
	}
	_, _ = fmt.Fprintln(w, metaStore.Metrics())
	return nil
}
