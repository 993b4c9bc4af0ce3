package bus

import "time"

// Event is one notification published on the bus. Kind is a dot-separated
// name whose leading segment acts as a namespace: "transport." for
// connection lifecycle, "rt." for decoded server pushes, "store." for
// state-store change notifications.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
