package session

import (
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/discovery"
)

// Event is something a session reports to the application layer. Each
// transfer yields exactly one completion event.
type Event interface{ isEvent() }

// Sink receives session events in order, on the event loop.
type Sink interface {
	SessionEvent(s *Session, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(s *Session, ev Event)

func (f SinkFunc) SessionEvent(s *Session, ev Event) { f(s, ev) }

type (
	Connected            struct{}
	NotificationEnabled  struct{}
	NotificationDisabled struct{}
	DiscoveryComplete    struct{ Handles discovery.Handles }
	ServiceNotFound      struct{}
	BadConnection        struct{ Err error }
	Disconnected         struct{ Reason error }
	// PublishReady follows the identification block sent to a correlated
	// peer; the session is about to enable notifications.
	PublishReady         struct{}
	SaltReceived         struct{ Salt []byte }
	TimeReceived         struct{ Millis uint32 }
	DoneSendingSignature struct{ Mode Mode }
	DoneSendingHealth    struct{}
	DoneSendingRssi      struct{}

	AuthRejected    struct{ Err error }
	ProtocolError   struct{ Err error }
	CommandExecuted struct {
		Request protocol.Request
		Err     error
	}
)

func (Connected) isEvent()            {}
func (NotificationEnabled) isEvent()  {}
func (NotificationDisabled) isEvent() {}
func (DiscoveryComplete) isEvent()    {}
func (ServiceNotFound) isEvent()      {}
func (BadConnection) isEvent()        {}
func (Disconnected) isEvent()         {}
func (PublishReady) isEvent()         {}
func (SaltReceived) isEvent()         {}
func (TimeReceived) isEvent()         {}
func (DoneSendingSignature) isEvent() {}
func (DoneSendingHealth) isEvent()    {}
func (DoneSendingRssi) isEvent()      {}
func (AuthRejected) isEvent()         {}
func (ProtocolError) isEvent()        {}
func (CommandExecuted) isEvent()      {}
