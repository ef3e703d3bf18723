package device

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/kakao/replblk/pkg/types"
)

func TestEpochTracker(t *testing.T) {
	Convey("Given an epoch tracker holding two writes per epoch", t, func() {
		et := newEpochTracker(2, 10)
		So(et.len(), ShouldEqual, 1)
		So(et.current.number, ShouldEqual, types.EpochNumber(10))

		Convey("An empty epoch is not closed", func() {
			_, ok := et.closeCurrent()
			So(ok, ShouldBeFalse)
			So(et.barrierQueued, ShouldBeFalse)
		})

		Convey("The second write fills the epoch", func() {
			r1, r2 := &Request{}, &Request{}
			So(et.assign(r1), ShouldBeFalse)
			So(et.assign(r2), ShouldBeTrue)
			So(r1.EpochNumber(), ShouldEqual, types.EpochNumber(10))
			So(r2.EpochNumber(), ShouldEqual, types.EpochNumber(10))

			w, ok := et.closeCurrent()
			So(ok, ShouldBeTrue)
			So(w, ShouldResemble, Work{Kind: WorkSendBarrier, Barrier: 10, SetSize: 2})
			So(et.oldest().closed, ShouldBeTrue)

			Convey("Then the barrier is queued only once", func() {
				_, ok := et.closeCurrent()
				So(ok, ShouldBeFalse)
			})

			Convey("Then the next write links the spare epoch", func() {
				So(et.needSpare(), ShouldBeTrue)
				spare := newEpoch()
				So(et.offerSpare(spare), ShouldBeTrue)
				So(et.offerSpare(newEpoch()), ShouldBeFalse)
				So(et.needSpare(), ShouldBeFalse)

				r3 := &Request{}
				So(et.assign(r3), ShouldBeFalse)
				So(r3.epoch, ShouldEqual, spare)
				So(r3.EpochNumber(), ShouldEqual, types.EpochNumber(11))
				So(et.barrierQueued, ShouldBeFalse)
				So(et.len(), ShouldEqual, 2)

				et.releaseOldest()
				So(et.len(), ShouldEqual, 1)
				So(et.oldest(), ShouldEqual, spare)
			})

			Convey("Then releasing the current epoch keeps the barrier queued", func() {
				et.releaseOldest()
				So(et.len(), ShouldEqual, 0)
				So(et.oldest(), ShouldBeNil)
				So(et.barrierQueued, ShouldBeTrue)

				r3 := &Request{}
				et.assign(r3)
				So(r3.EpochNumber(), ShouldEqual, types.EpochNumber(11))
				So(et.len(), ShouldEqual, 1)
			})

			Convey("Then reset starts a fresh epoch", func() {
				et.reset()
				So(et.len(), ShouldEqual, 1)
				So(et.current.number, ShouldEqual, types.EpochNumber(11))
				So(et.current.writes, ShouldEqual, 0)
				So(et.barrierQueued, ShouldBeFalse)
				So(et.spare, ShouldBeNil)
			})
		})
	})
}

func TestTransferLog(t *testing.T) {
	tl := newTransferLog()
	r1, r2, r3 := &Request{id: 1}, &Request{id: 2}, &Request{id: 3}

	require.True(t, tl.append(r1))
	require.True(t, tl.append(r2))
	require.True(t, tl.append(r3))
	require.False(t, tl.append(r2))
	require.Equal(t, r1, tl.oldest())

	tl.moveAside(r1)
	tl.moveAside(r1)
	require.Equal(t, r2, tl.oldest())
	require.Equal(t, 2, tl.live.Len())
	require.Equal(t, 1, tl.aside.Len())

	var ids []uint64
	forEach(tl.live, func(req *Request) bool {
		ids = append(ids, uint64(req.id))
		tl.remove(req)
		return true
	})
	require.Equal(t, []uint64{2, 3}, ids)
	require.Zero(t, tl.live.Len())
	require.Nil(t, tl.oldest())

	tl.remove(r1)
	tl.remove(r1)
	require.Zero(t, tl.aside.Len())
	require.Nil(t, r1.tlElem)
	require.True(t, tl.append(r1))
}
