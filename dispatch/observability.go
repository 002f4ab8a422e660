package dispatch

import "sync"

// CallObservation captures one tool call outcome.
type CallObservation struct {
	Tool       string
	CallID     string
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// RetryObservation captures one retried upstream attempt of a tool call.
type RetryObservation struct {
	Tool      string
	Attempt   int
	ErrorCode string
}

// Observer receives dispatch-level observability events.
type Observer interface {
	ObserveCall(observation CallObservation)
	ObserveRetry(observation RetryObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveCall(CallObservation)   {}
func (noopObserver) ObserveRetry(RetryObservation) {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide dispatch observer. nil restores the noop.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func currentObserver() Observer {
	observerMu.RLock()
	defer observerMu.RUnlock()
	return activeObserver
}

func emitCallObservation(observation CallObservation) {
	currentObserver().ObserveCall(observation)
}

// EmitRetry reports an upstream retry to the active observer.
func EmitRetry(observation RetryObservation) {
	currentObserver().ObserveRetry(observation)
}
