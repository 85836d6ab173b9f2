// Package protocol defines the signaling vocabulary shared by the call client
// and the relay: event names, payload shapes and the JSON frame format.
package protocol

// Room and call lifecycle events.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
	EventJoined    = "joined"
	EventEnd       = "end"
	EventEnded     = "ended"
	EventDeclined  = "declined"
	EventForceEnd  = "force-end"
)

// P2P negotiation events.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventGetICE       = "get-ice-servers"
)

// SFU negotiation round-trips and notifications.
const (
	EventGetCapabilities  = "get-capabilities"
	EventCreateTransport  = "create-transport"
	EventConnectTransport = "connect-transport"
	EventProduce          = "produce"
	EventGetProducers     = "get-producers"
	EventConsume          = "consume"
	EventResumeConsumer   = "resume-consumer"
	EventNewProducer      = "new-producer"
)

// TerminationEvents lists every inbound event that ends a call.
var TerminationEvents = []string{EventEnd, EventEnded, EventDeclined, EventForceEnd}

// IsRoomScoped reports whether the relay forwards event to the other
// members of the call room named in its payload.
func IsRoomScoped(event string) bool {
	switch event {
	case EventJoined, EventOffer, EventAnswer, EventICECandidate,
		EventEnd, EventEnded, EventDeclined, EventNewProducer:
		return true
	}
	return false
}
