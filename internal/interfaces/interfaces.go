// Package interfaces provides small cross-cutting interfaces shared between
// packages that would otherwise import each other cyclically (offloader,
// coherency, device, task all need a logger and an observer, but none of
// them should depend on each other's concrete types for that).
package interfaces

// Logger is the subset of logging.Logger that internal packages depend on,
// kept as an interface so tests can substitute a no-op or recording logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives metrics events from the offloader and coherency engine.
// Implementations must be thread-safe: methods are called from worker threads
// and from fetch-completion callbacks, never serialized by a shared lock.
type Observer interface {
	ObserveCommand(kind string, bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(deviceGlobalID int32, streamType string, depth uint32)
	ObserveFetch(bytes uint64, latencyNs uint64, merged bool)
	ObserveEviction(bytesFreed uint64, passes int)
}

// NoOpObserver implements Observer with no-ops, the default when the caller
// supplies none.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(string, uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(int32, string, uint32)     {}
func (NoOpObserver) ObserveFetch(uint64, uint64, bool)           {}
func (NoOpObserver) ObserveEviction(uint64, int)                 {}

var _ Observer = NoOpObserver{}
