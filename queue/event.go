package queue

// MutationKind identifies which command produced an event.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Event is a durable notification that an entity changed. It is immutable
// once enqueued except for Attempts, which the channel maintains across
// failed deliveries so retry budgets survive restarts.
type Event struct {
	Seq                  uint64       `msgpack:"seq" json:"seq"` // Monotonic, assigned at enqueue
	EntityID             string       `msgpack:"id" json:"entity_id"`
	Kind                 MutationKind `msgpack:"kind" json:"kind"`
	ObservedLocalVersion int64        `msgpack:"ver" json:"observed_local_version"` // LocalVersion at mutation acceptance
	EnqueuedAt           int64        `msgpack:"ts" json:"enqueued_at"`             // Unix milliseconds
	Attempts             int          `msgpack:"att" json:"attempts"`               // Completed delivery attempts
}

// DeadLetter is an event parked after exhausting its retry budget, kept for
// operator inspection. The engine never resolves these on its own.
type DeadLetter struct {
	Event    Event  `msgpack:"event" json:"event"`
	Error    string `msgpack:"error" json:"error"`
	FailedAt int64  `msgpack:"failed_at" json:"failed_at"` // Unix milliseconds
}

// Stats is a point-in-time snapshot of channel state.
type Stats struct {
	NextSeq     uint64 `json:"next_seq"`
	Cursor      uint64 `json:"cursor"`
	Depth       uint64 `json:"depth"` // Enqueued, not yet terminally acknowledged
	InFlight    int    `json:"in_flight"`
	Retrying    int    `json:"retrying"`
	DeadLetters int    `json:"dead_letters"`
}
