package units

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFromByteSizeString(t *testing.T) {
	tcs := []struct {
		in     string
		minMax []int64
		want   int64
		ok     bool
	}{
		{in: "1GiB", want: 1 << 30, ok: true},
		{in: "1G", want: 1_000_000_000, ok: true},
		{in: " 4KiB ", want: 4 << 10, ok: true},
		{in: "512", want: 512, ok: true},
		{in: "0G", want: 0, ok: true},
		{in: "-1G"},
		{in: "KiB"},
		{in: "1GiB", minMax: []int64{0, 1 << 10}},
		{in: "1KB", minMax: []int64{1 << 20}},
	}
	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			size, err := FromByteSizeString(tc.in, tc.minMax...)
			if !tc.ok {
				require.Error(t, err)
				require.EqualValues(t, -1, size)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, size)
		})
	}
}

func TestSectorsFromByteSizeString(t *testing.T) {
	sectors, err := SectorsFromByteSizeString("1MiB")
	require.NoError(t, err)
	require.EqualValues(t, 2048, sectors)

	_, err = SectorsFromByteSizeString("1000")
	require.Error(t, err)
	_, err = SectorsFromByteSizeString("0")
	require.Error(t, err)
}

func TestToByteSizeString(t *testing.T) {
	require.Equal(t, "4KiB", ToByteSizeString(4096))
	require.Equal(t, "4.096kB", ToHumanSizeString(4096))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
