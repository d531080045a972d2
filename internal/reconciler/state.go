package reconciler

// State is a venue's position in the reconciliation protocol
type State int32

const (
	Connecting State = iota
	AwaitingSubscriptionAck
	BufferingPreSnapshot
	FetchingSnapshot
	Reconciling
	Live
	GapDetected
	Resyncing
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case AwaitingSubscriptionAck:
		return "AwaitingSubscriptionAck"
	case BufferingPreSnapshot:
		return "BufferingPreSnapshot"
	case FetchingSnapshot:
		return "FetchingSnapshot"
	case Reconciling:
		return "Reconciling"
	case Live:
		return "Live"
	case GapDetected:
		return "GapDetected"
	case Resyncing:
		return "Resyncing"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Healthy reports whether a book in this state may be served as current
func (s State) Healthy() bool {
	return s == Live
}

// Buffering reports whether diffs are queued instead of applied
func (s State) Buffering() bool {
	switch s {
	case AwaitingSubscriptionAck, BufferingPreSnapshot, FetchingSnapshot, GapDetected, Resyncing:
		return true
	default:
		return false
	}
}
