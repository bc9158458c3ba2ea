package transport

// LifecycleKind enumerates connection lifecycle notifications.
type LifecycleKind int

const (
	LifecycleOpen LifecycleKind = iota
	LifecycleDrop
	LifecycleRetryAttempt
	LifecycleRetrySuccess
	LifecycleRetryExhausted
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleOpen:
		return "open"
	case LifecycleDrop:
		return "drop"
	case LifecycleRetryAttempt:
		return "retry_attempt"
	case LifecycleRetrySuccess:
		return "retry_success"
	case LifecycleRetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// Drop reasons.
const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

// Lifecycle is delivered to lifecycle callbacks.
type Lifecycle struct {
	Kind    LifecycleKind
	Reason  string // drop only
	Attempt int    // retry attempt / success only
}

// LifecycleCallback observes connection lifecycle changes.
type LifecycleCallback func(Lifecycle)

// HeaderProvider supplies handshake headers (credentials) at dial time.
type HeaderProvider func() map[string]string
