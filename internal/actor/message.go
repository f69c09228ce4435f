// Package actor implements the thread/message substrate every
// long-lived Mística component is built on: one inbound channel per
// actor carrying typed envelopes, dispatched by type, processed, and
// optionally answered.
package actor

// Type distinguishes an opaque byte/struct payload (Stream) from a
// control event (Signal).
type Type int

const (
	Stream Type = iota
	Signal
)

// SignalKind enumerates the control events that can flow through an
// actor's inbox instead of application data.
type SignalKind int

const (
	SignalStart SignalKind = iota
	SignalTerminate
	SignalStop
	SignalRestart
	SignalCommsFinished
	SignalCommsBroken
	SignalError
	SignalBufferReady
)

func (s SignalKind) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalTerminate:
		return "terminate"
	case SignalStop:
		return "stop"
	case SignalRestart:
		return "restart"
	case SignalCommsFinished:
		return "comms_finished"
	case SignalCommsBroken:
		return "comms_broken"
	case SignalError:
		return "error"
	case SignalBufferReady:
		return "buffer_ready"
	default:
		return "unknown"
	}
}

// Message is the envelope carried on every actor inbox: Message(sender,
// sender_id, receiver, receiver_id, type, content, reply_queue?) from
// the thread/message substrate design.
type Message struct {
	Sender     string
	SenderID   uint8
	Receiver   string
	ReceiverID uint8
	Type       Type

	// Content is the opaque stream payload when Type == Stream, or a
	// SignalKind when Type == Signal.
	Content interface{}

	// Reply is the per-request rendezvous queue a server carrier
	// listener hands out when it fans a request out to every
	// registered wrap module and waits for whichever one claims it.
	Reply chan *Message
}

// NewStream builds a Stream-typed message.
func NewStream(sender string, senderID uint8, receiver string, receiverID uint8, content []byte) *Message {
	return &Message{Sender: sender, SenderID: senderID, Receiver: receiver, ReceiverID: receiverID, Type: Stream, Content: content}
}

// NewSignal builds a Signal-typed message.
func NewSignal(sender string, senderID uint8, receiver string, receiverID uint8, kind SignalKind) *Message {
	return &Message{Sender: sender, SenderID: senderID, Receiver: receiver, ReceiverID: receiverID, Type: Signal, Content: kind}
}

func (m *Message) IsSignal() bool { return m != nil && m.Type == Signal }
func (m *Message) IsStream() bool { return m != nil && m.Type == Stream }

func (m *Message) signalIs(kind SignalKind) bool {
	if m == nil || m.Type != Signal {
		return false
	}
	k, ok := m.Content.(SignalKind)
	return ok && k == kind
}

func (m *Message) IsStart() bool         { return m.signalIs(SignalStart) }
func (m *Message) IsTerminate() bool     { return m.signalIs(SignalTerminate) }
func (m *Message) IsStop() bool          { return m.signalIs(SignalStop) }
func (m *Message) IsRestart() bool       { return m.signalIs(SignalRestart) }
func (m *Message) IsCommsFinished() bool { return m.signalIs(SignalCommsFinished) }
func (m *Message) IsCommsBroken() bool   { return m.signalIs(SignalCommsBroken) }
func (m *Message) IsError() bool         { return m.signalIs(SignalError) }
func (m *Message) IsBufferReady() bool   { return m.signalIs(SignalBufferReady) }

// Bytes returns Content as a byte slice, or nil if Content isn't one.
func (m *Message) Bytes() []byte {
	b, _ := m.Content.([]byte)
	return b
}
