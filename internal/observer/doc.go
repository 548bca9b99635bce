// Package observer provides watchable value cells.
//
// # Overview
//
// An [Observer] wraps a value that can be read with Get, replaced with Set and
// watched with Watch. Structured values are trees of map[string]any; [Path]
// returns a child Observer that reads and writes through to a nested field of
// its parent. Parent and children share a single tree: one lock, one version
// counter, one listener registry.
//
// # Notification
//
// A commit is synchronous. Listener notification is queued per tree and
// delivered in commit order, exactly once per commit and listener. A Set
// issued from inside a listener is committed immediately but notified only
// after the current notification pass returns, so listeners are never
// re-entered for the same commit. Writing a value deep-equal to the current
// one is not a change and notifies nobody.
//
// # Listener Registry
//
// Subscriptions are records in an arena addressed by handle rather than direct
// references between observers. Unsubscribing or disposing the tree only
// invalidates handles.
//
// # Disposal
//
// [Observer.Dispose] terminates the whole tree. Afterwards Set and Update fail
// with a DISPOSED error, Get returns the final value and Watch is a no-op.
package observer
