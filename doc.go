// Package notify provides a multi-tenant notification-delivery workflow
// engine for Go. Given a triggered event, it resolves the subscribers and
// channel steps of a workflow, aggregates repeated triggers into digest
// windows, and dispatches messages across channels (email, SMS, push,
// chat, in-app) with per-step delay, filtering, and retry semantics.
//
// Notify is designed as a library, not a service. Import it, configure a
// store and channel senders, register workflows as ordinary Go values,
// and trigger events.
//
// # Quick Start
//
//	n, err := notify.New(
//	    notify.WithStore(memStore),
//	    notify.WithConcurrency(20),
//	)
//
// # Architecture
//
// Notify follows a composable store pattern where each subsystem (job,
// execution, subscriber, dlq) defines its own store interface. A single
// backend implements all of them. Cross-worker coordination goes through
// the store and a distributed lock client only; workers share no
// in-process mutable state.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package notify
