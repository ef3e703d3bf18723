package main

import (
	"errors"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/cluster"
	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/internal/flags"
	"github.com/kakao/replblk/internal/localstore"
	"github.com/kakao/replblk/internal/replication"
	"github.com/kakao/replblk/internal/storage"
	"github.com/kakao/replblk/internal/synctracker"
	"github.com/kakao/replblk/internal/telemetry"
)

const (
	dataStoreName = "data"
	metaStoreName = "meta"
)

// stack is a device together with its collaborators: the local disk and
// the sync tracker on their own stores, and an in-process peer behind a
// replication link.
type stack struct {
	dataStore *storage.Store
	metaStore *storage.Store
	tracker   *synctracker.Tracker
	local     *localstore.Store
	cluster   *cluster.State
	peer      *replication.LoopbackPeer
	link      *replication.Link
	dev       *device.Device

	logger *zap.Logger
}

func openStack(c *cli.Context, metrics *telemetry.Metrics, logger *zap.Logger) (st *stack, err error) {
	numSectors, durability, devOpts, err := flags.ParseDeviceFlags(c)
	if err != nil {
		return nil, err
	}

	st = &stack{logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, st.close())
			st = nil
		}
	}()

	st.dataStore, err = openStore(c, dataStoreName, logger)
	if err != nil {
		return st, err
	}
	st.metaStore, err = openStore(c, metaStoreName, logger)
	if err != nil {
		return st, err
	}

	st.tracker, err = synctracker.Open(append(flags.ParseSyncTrackerFlags(c),
		synctracker.WithStore(st.metaStore),
		synctracker.WithNumSectors(numSectors),
		synctracker.WithDetachHandler(st.detach),
		synctracker.WithLogger(logger),
	)...)
	if err != nil {
		return st, err
	}

	st.local, err = localstore.New(append(flags.ParseLocalStoreFlags(c),
		localstore.WithStore(st.dataStore),
		localstore.WithNumSectors(numSectors),
		localstore.WithLogger(logger),
	)...)
	if err != nil {
		return st, err
	}

	st.cluster = cluster.New(durability, logger)
	peerOpts := []replication.PeerOption{
		replication.WithLatency(c.Duration(flagPeerLatency.Name)),
		replication.WithPeerLogger(logger),
	}
	if c.Bool(flagPeerAckInSync.Name) {
		peerOpts = append(peerOpts, replication.WithAckInSync())
	}
	st.peer = replication.NewLoopbackPeer(peerOpts...)

	linkOpts := []replication.Option{
		replication.WithTransport(st.peer),
		replication.WithClusterState(st.cluster),
		replication.WithSendTimeout(c.Duration(flagSendTimeout.Name)),
		replication.WithSendErrorHandler(func(error) {
			st.cluster.RequestTransition(device.TransitionTimeout)
		}),
		replication.WithLogger(logger),
	}
	if threshold := c.Int(flagCongestionThreshold.Name); threshold > 0 {
		linkOpts = append(linkOpts, replication.WithCongestion(threshold, st.cluster.SetCongested))
	}
	st.link, err = replication.NewLink(linkOpts...)
	if err != nil {
		return st, err
	}

	st.dev, err = device.New(append(devOpts,
		device.WithLocalStore(st.local),
		device.WithSyncTracker(st.tracker),
		device.WithReplicationLink(st.link),
		device.WithClusterState(st.cluster),
		device.WithMetrics(metrics),
		device.WithLogger(logger),
	)...)
	if err != nil {
		return st, err
	}

	st.cluster.OnDisconnect(st.onDisconnect)
	st.cluster.OnConnect(st.peer.Connect)
	st.cluster.Connect()

	if err := st.link.Bind(st.dev); err != nil {
		return st, err
	}
	if err := st.link.Start(); err != nil {
		return st, err
	}
	if err := st.peer.Start(st.dev); err != nil {
		return st, err
	}
	return st, nil
}

func openStore(c *cli.Context, name string, logger *zap.Logger) (*storage.Store, error) {
	opts, err := flags.ParseStorageFlags(c, name)
	if err != nil {
		return nil, err
	}
	return storage.Open(append(opts, storage.WithLogger(logger.Named(name)))...)
}

// onDisconnect fails the requests waiting for the peer. The peer misses
// writes from now on, so it is not read from until it is resynced.
func (st *stack) onDisconnect(next cluster.ConnState) {
	st.peer.Disconnect()
	st.cluster.SetPeerUpToDate(false)
	st.dev.OnConnectionLost()
	canceled := st.link.CancelQueued()
	st.logger.Info("peer disconnected", zap.Stringer("conn", next), zap.Int("canceled", canceled))
}

// detach is called by the sync tracker once local I/O errors reach the
// threshold. The local store still runs the I/Os already queued, so the
// device keeps waiting for them.
func (st *stack) detach() {
	st.local.Detach()
	st.logger.Error("local disk detached")
}

var errDrainTimeout = errors.New("requests in flight did not retire")

// drain waits until every request in flight retires.
func (st *stack) drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		stats := st.dev.Stats()
		if stats.Inflight == 0 && stats.TransferLogLen == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			st.logger.Warn("drain timed out",
				zap.Int64("inflight", stats.Inflight),
				zap.Int("transfer_log", stats.TransferLogLen),
				zap.Int("pending_peer_acks", stats.PendingPeerAcks),
			)
			return errDrainTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (st *stack) close() (err error) {
	if st.link != nil {
		err = multierr.Append(err, st.link.Close())
	}
	if st.peer != nil {
		err = multierr.Append(err, st.peer.Close())
	}
	if st.dev != nil {
		err = multierr.Append(err, st.dev.Close())
	}
	if st.local != nil {
		err = multierr.Append(err, st.local.Close())
	}
	if st.tracker != nil {
		err = multierr.Append(err, st.tracker.Close())
	}
	if st.metaStore != nil {
		err = multierr.Append(err, st.metaStore.Close())
	}
	if st.dataStore != nil {
		err = multierr.Append(err, st.dataStore.Close())
	}
	return err
}
