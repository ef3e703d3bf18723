// Package units parses and formats byte sizes given on the command line.
package units

import (
	"fmt"
	"math"
	"strings"

	"github.com/docker/go-units"

	"github.com/kakao/replblk/pkg/types"
)

// ToByteSizeString returns a string that represents the size defined by
// international standard IEC 80000-13, for instance, "4KiB".
func ToByteSizeString(size float64) string {
	return units.BytesSize(size)
}

// ToHumanSizeString returns a string that represents the size in SI units,
// for instance, "4.1kB".
func ToHumanSizeString(size float64) string {
	return units.HumanSize(size)
}

// FromByteSizeString parses the argument sizeString representing byte size and
// returns the number of bytes or -1 if the sizeString cannot be parsable.
// A suffix with "i", such as "KiB", is binary; otherwise, it is decimal.
// The optional minMax bounds the size inclusively.
func FromByteSizeString(sizeString string, minMax ...int64) (size int64, err error) {
	sizeString = strings.TrimSpace(sizeString)
	sep := strings.LastIndexAny(sizeString, "0123456789. ")
	if sep == -1 {
		return -1, fmt.Errorf("invalid size: '%s'", sizeString)
	}

	sfx := sizeString[sep+1:]
	if strings.ContainsAny(sfx, "i") {
		size, err = units.RAMInBytes(sizeString)
	} else {
		size, err = units.FromHumanSize(sizeString)
	}
	if err != nil {
		return -1, err
	}

	min, max := int64(0), int64(math.MaxInt64)
	if len(minMax) > 0 {
		min = minMax[0]
	}
	if len(minMax) > 1 {
		max = minMax[1]
	}
	if size < min || size > max {
		return -1, fmt.Errorf("invalid size %s: out of range [%d, %d]", sizeString, min, max)
	}
	return size, nil
}

// SectorsFromByteSizeString parses a byte size that must be a positive
// multiple of the sector size and returns the number of sectors.
func SectorsFromByteSizeString(sizeString string) (uint64, error) {
	size, err := FromByteSizeString(sizeString, types.SectorSize)
	if err != nil {
		return 0, err
	}
	if size%types.SectorSize != 0 {
		return 0, fmt.Errorf("invalid size %s: not a multiple of %d", sizeString, types.SectorSize)
	}
	return uint64(size) / types.SectorSize, nil
}
