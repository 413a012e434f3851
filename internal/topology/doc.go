// Package topology maintains the trust graph of the defense network. It turns
// behavioral signals into node and edge trust, escalates misbehaving nodes to
// quarantined or isolated states, and keeps trust-weighted routing tables that
// steer traffic around them.
//
// The graph is the single owner of node records. Other subsystems read
// snapshots (node.Info) and mutate node capacity only through Acquire/Release.
package topology
