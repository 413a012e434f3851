// Package consensus implements the Byzantine fault tolerant proposal and vote
// state machine used to agree on discrete security actions.
//
// A proposal needs max(MinConsensusNodes, T - floor(T*FaultToleranceRatio))
// confirmations, where T is the number of nodes trusted enough to vote at the
// time of proposal. Votes are evaluated incrementally; there is no blocking
// wait for quorum. Rounds that can no longer commit are aborted by the vote
// that makes them unreachable, by CheckAttrition, or by an explicit Expire.
//
// Compromise marks a node with an attack Strategy that reshapes its votes.
// It exists for fault injection only.
package consensus
