package device

import "fmt"

// Event drives the state machine of a request. Each event is delivered
// exactly once per occurrence.
type Event uint8

const (
	eventInvalid Event = iota

	// EventToBeSentRemotely registers a remote obligation.
	EventToBeSentRemotely
	// EventToBeSubmittedLocally starts the local leg.
	EventToBeSubmittedLocally

	// EventLocalCompletedOK reports a successful local I/O.
	EventLocalCompletedOK
	// EventLocalCompletedWithError reports a failed local write.
	EventLocalCompletedWithError
	// EventLocalReadAheadFailed reports a failed local read-ahead. It is
	// not escalated to the error policy.
	EventLocalReadAheadFailed
	// EventRemoteReadFailed reports a failed local read that is retried
	// on the peer if the peer disk is up to date.
	EventRemoteReadFailed
	// EventAbortLocalIO gives up waiting for the local I/O, for example,
	// when the disk is forcibly detached.
	EventAbortLocalIO

	EventQueueForRemoteRead
	EventQueueForRemoteWrite
	EventQueueForOutOfSyncSend

	// EventHandedToNetwork reports that the link sent the request.
	EventHandedToNetwork
	// EventSendFailedOrCanceled reports that the link could not send the
	// request or dropped it from its queue.
	EventSendFailedOrCanceled

	// EventAckedByPeer reports that the peer has the write.
	EventAckedByPeer
	// EventAckedByPeerInSync reports that the peer has the write and the
	// range is in sync on both sides.
	EventAckedByPeerInSync
	EventNegativeAckByPeer
	EventPostponeWrite
	EventDataReceivedForRemoteRead

	EventConnectionLostWhilePending
	EventBarrierAcked
	EventRestartFrozenIO

	numEvents
)

var eventNames = [...]string{
	eventInvalid:                    "invalid",
	EventToBeSentRemotely:           "to_be_sent_remotely",
	EventToBeSubmittedLocally:       "to_be_submitted_locally",
	EventLocalCompletedOK:           "local_completed_ok",
	EventLocalCompletedWithError:    "local_completed_with_error",
	EventLocalReadAheadFailed:       "local_read_ahead_failed",
	EventRemoteReadFailed:           "remote_read_failed",
	EventAbortLocalIO:               "abort_local_io",
	EventQueueForRemoteRead:         "queue_for_remote_read",
	EventQueueForRemoteWrite:        "queue_for_remote_write",
	EventQueueForOutOfSyncSend:      "queue_for_out_of_sync_send",
	EventHandedToNetwork:            "handed_to_network",
	EventSendFailedOrCanceled:       "send_failed_or_canceled",
	EventAckedByPeer:                "acked_by_peer",
	EventAckedByPeerInSync:          "acked_by_peer_in_sync",
	EventNegativeAckByPeer:          "negative_ack_by_peer",
	EventPostponeWrite:              "postpone_write",
	EventDataReceivedForRemoteRead:  "data_received_for_remote_read",
	EventConnectionLostWhilePending: "connection_lost_while_pending",
	EventBarrierAcked:               "barrier_acked",
	EventRestartFrozenIO:            "restart_frozen_io",
}

var _ fmt.Stringer = Event(0)

func (ev Event) String() string {
	if ev < numEvents {
		return eventNames[ev]
	}
	return fmt.Sprintf("event(%d)", uint8(ev))
}
