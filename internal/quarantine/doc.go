// Package quarantine runs quarantine environments: multi-node isolation
// contexts for suspect agents.
//
// An environment is created from a Request, normally after the consensus
// engine commits a quarantine proposal. The orchestrator picks a coordinator
// and workers covering the roles the isolation level needs, reserves
// capacity on each through a Directory and initializes them concurrently
// through a Runtime. Creation stands when max(2, ceil(n*ConsensusThreshold))
// participants come up.
//
// Each live environment has a monitor loop that probes isolation
// effectiveness and anomaly, relaxes the isolation level one step at a time
// once anomaly stays low, and adds or removes workers as load changes.
package quarantine
