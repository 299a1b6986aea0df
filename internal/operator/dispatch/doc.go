// Package dispatch multiplexes a replaceable set of API server watches onto a
// bounded broadcast bus and projects it into typed, cached per-kind streams.
//
// Data flows in one direction:
//
//	ListWatchSource... -> WatchSet -> Broadcaster -> Dispatcher -> Handle[T] -> controller workqueue
//
// The WatchSet can be swapped at runtime with ReplaceAll while the Broadcaster
// keeps draining it; every Handle sees the same total order of events and keeps
// its own reflector cache for the kind it is bound to.
package dispatch
