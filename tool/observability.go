package tool

// InvokeObservation captures one manager dispatch outcome.
type InvokeObservation struct {
	ToolName   string
	Source     SourceKind
	Action     Action
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// RetryObservation captures one failed attempt that will be retried.
type RetryObservation struct {
	ToolName  string
	Source    SourceKind
	Client    string
	Attempt   int
	ErrorCode string
}

// DiscoveryObservation captures one completed (or failed) tool discovery.
type DiscoveryObservation struct {
	Source     SourceKind
	Client     string
	ToolCount  int
	Pages      int
	DurationMS int64
	ErrorCode  string
}

// Observer receives tool-level observability events.
type Observer interface {
	ObserveInvoke(observation InvokeObservation)
	ObserveRetry(observation RetryObservation)
	ObserveDiscovery(observation DiscoveryObservation)
}

// NoopObserver discards every observation.
type NoopObserver struct{}

func (NoopObserver) ObserveInvoke(InvokeObservation)       {}
func (NoopObserver) ObserveRetry(RetryObservation)         {}
func (NoopObserver) ObserveDiscovery(DiscoveryObservation) {}

// ObserverOrNoop returns o, or a NoopObserver when o is nil.
func ObserverOrNoop(o Observer) Observer {
	if o == nil {
		return NoopObserver{}
	}
	return o
}
