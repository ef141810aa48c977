// Package node implements the orchestrator of a metamere node.
//
// The node owns the transport and runs the message loop: inbound envelopes
// are either commands, which may produce a reply through a per-invocation
// reply channel, or one-way data pushes. Storage and cluster commands are
// handled here; consensus traffic is dispatched to the configured
// replication engine. Unknown commands are ignored.
//
// The node also manages the observer list. A client that issues addObserver
// has its reply channel retained and receives a push for every block sealed
// on this node, in seal order; channels that have gone away are reaped
// lazily.
//
// On startup the node catches up from a random peer, first merging its peer
// list and then replaying its chain from the genesis block, before starting
// consensus.
package node
