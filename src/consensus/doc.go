// Package consensus implements the replication engines of a metamere node.
//
// Two engines implement the common Consensus operation set, selected by name
// at startup.
//
// Raft is the leader-based engine. A single logical timer drives it: leaders
// fire at the keepalive cadence to heartbeat and sweep provisional entries;
// everyone else fires after a random election interval and solicits votes.
// Client submissions reach the leader (directly or by forwarding), receive a
// monotonic provisional sequence, and are replicated as append entries.
// Once a quorum of followers has acknowledged an entry, the leader drains it
// into the blockchain engine, announces the committed sequences, and seals a
// block; followers seal on receiving the announcement. Followers track gaps
// in the sequence space and refuse to seal a batch containing a sequence
// they know they lost.
//
// Pow is the leaderless proof-of-work variant. Submissions spread to every
// pool; a node with pending transactions periodically opens a round by
// soliciting mined candidates, and the first valid candidate seals the block
// on every node idempotently.
package consensus
