package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/util/units"
)

const (
	CategoryDevice = "Device:"

	DefaultDeviceSize = "1GiB"
	DefaultDurability = "C"
)

var (
	DeviceSize = &cli.StringFlag{
		Name:     "device-size",
		Category: CategoryDevice,
		Aliases:  []string{"size"},
		EnvVars:  []string{"REPLBLK_DEVICE_SIZE"},
		Value:    DefaultDeviceSize,
		Usage:    "Size of the device, for example 1GiB or 512MB. It must be a multiple of the sector size.",
		Action: func(_ *cli.Context, value string) error {
			if _, err := units.SectorsFromByteSizeString(value); err != nil {
				return fmt.Errorf("invalid value \"%s\" for flag --device-size: %w", value, err)
			}
			return nil
		},
	}
	Durability = &cli.StringFlag{
		Name:     "durability",
		Category: CategoryDevice,
		Aliases:  []string{"protocol"},
		EnvVars:  []string{"REPLBLK_DURABILITY"},
		Value:    DefaultDurability,
		Usage:    "Replication protocol: A completes writes handed to the network, B writes received by the peer and C writes on the peer disk.",
		Action: func(_ *cli.Context, value string) error {
			if _, err := device.ParseDurability(value); err != nil {
				return fmt.Errorf("invalid value \"%s\" for flag --durability", value)
			}
			return nil
		},
	}
	MaxWritesPerEpoch = &cli.IntFlag{
		Name:     "max-writes-per-epoch",
		Category: CategoryDevice,
		EnvVars:  []string{"REPLBLK_MAX_WRITES_PER_EPOCH"},
		Value:    device.DefaultMaxWritesPerEpoch,
		Usage:    "Number of writes after which an epoch is closed by a barrier.",
		Action:   positiveInt("max-writes-per-epoch"),
	}
	MaxInflightRequests = &cli.IntFlag{
		Name:     "max-inflight-requests",
		Category: CategoryDevice,
		EnvVars:  []string{"REPLBLK_MAX_INFLIGHT_REQUESTS"},
		Value:    device.DefaultMaxInflightRequests,
		Usage:    "Maximum number of requests in flight. Submissions block beyond it.",
		Action:   positiveInt("max-inflight-requests"),
	}
	RequestTimeout = &cli.DurationFlag{
		Name:     "request-timeout",
		Category: CategoryDevice,
		Aliases:  []string{"timeout"},
		EnvVars:  []string{"REPLBLK_REQUEST_TIMEOUT"},
		Value:    device.DefaultRequestTimeout,
		Usage:    "Time the peer has to answer a request before the connection is considered dead. Zero disables the timeout.",
	}
	KOCount = &cli.IntFlag{
		Name:     "ko-count",
		Category: CategoryDevice,
		EnvVars:  []string{"REPLBLK_KO_COUNT"},
		Value:    device.DefaultKOCount,
		Usage:    "Number of request timeouts tolerated before the connection is dropped. Zero drops it at the first timeout.",
		Action:   nonNegativeInt("ko-count"),
	}
)

// ParseDeviceFlags returns the size of the device in sectors, the
// durability and the options that tune the device. Collaborators are not
// included.
func ParseDeviceFlags(c *cli.Context) (numSectors uint64, durability device.Durability, opts []device.Option, err error) {
	numSectors, err = units.SectorsFromByteSizeString(c.String(DeviceSize.Name))
	if err != nil {
		return 0, 0, nil, err
	}
	durability, err = device.ParseDurability(c.String(Durability.Name))
	if err != nil {
		return 0, 0, nil, err
	}
	opts = []device.Option{
		device.WithMaxWritesPerEpoch(c.Int(MaxWritesPerEpoch.Name)),
		device.WithMaxInflightRequests(c.Int(MaxInflightRequests.Name)),
		device.WithRequestTimeout(c.Duration(RequestTimeout.Name)),
		device.WithKOCount(c.Int(KOCount.Name)),
	}
	return numSectors, durability, opts, nil
}

// DeviceFlags returns all flags of the device category.
func DeviceFlags() []cli.Flag {
	return []cli.Flag{
		DeviceSize,
		Durability,
		MaxWritesPerEpoch,
		MaxInflightRequests,
		RequestTimeout,
		KOCount,
	}
}
