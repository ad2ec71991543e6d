package configsvc

// Event is a peripheral occurrence delivered to the Server.
type Event interface {
	isEvent()
}

// Connected reports a peer connection.
type Connected struct{}

// Disconnected reports the end of the peer connection.
type Disconnected struct{}

// Written carries a value the peer wrote to a characteristic.
type Written struct {
	Char uint16
	Data []byte
}

// Subscribed reports that the peer enabled notifications on Char.
type Subscribed struct {
	Char uint16
}

// Published reports that a Publish on Char completed.
type Published struct {
	Char uint16
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Written) isEvent()      {}
func (Subscribed) isEvent()   {}
func (Published) isEvent()    {}
