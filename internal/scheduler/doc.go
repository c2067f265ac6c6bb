// Package scheduler owns the working set of events that have not fired yet and
// drives their warn and start notifications on a fixed tick.
//
// Each tick snapshots the working set, then evaluates events in id order while
// holding the set lock for one event at a time. Any number of warnings may go
// out per tick but at most one start, since a start removes the event from the
// set. Overdue events always start.
//
// Delivery is best effort: a failed notifier call is logged and the transition
// still commits. A failed store write is logged and the in-memory state is left
// alone, so the same transition runs again on the next tick.
package scheduler
