// =============================================================================
// BALLOTS - The Foundation of Paxos Ordering
// =============================================================================
//
// A ballot totally orders competing proposal attempts for one log slot. It
// has two parts:
//
//   Round       incremented by a proposer every time it starts a new attempt,
//               and fast-forwarded past any higher round it hears about
//   ProposerID  the proposer's unique peer number, the tie-breaker
//
// Comparison is by Round first, then ProposerID:
//
//   {1, 0} < {1, 2} < {2, 0} < {3, 1}
//
// Real rounds start at 1. The zero ballot {0, 0} means "none" (nothing
// promised, nothing accepted) and is lower than every real ballot.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Ballots are GLOBALLY UNIQUE.
//
// Two proposers can pick the same round, but never the same ProposerID, so
// no two attempts anywhere in the cluster share a ballot. If they did, an
// acceptor could not tell them apart and could accept two different values
// "at the same ballot".
//
// The log slot is NOT part of the ballot. It travels next to it in every
// message; ballots order attempts within one slot.
//
// =============================================================================

package paxos

import "fmt"

type Ballot struct {
	Round      int64 `json:"round"`
	ProposerID int   `json:"proposer"`
}

// Compare returns -1, 0 or +1 as b is lower than, equal to or higher than o.
func (b Ballot) Compare(o Ballot) int {
	switch {
	case b.Round < o.Round:
		return -1
	case b.Round > o.Round:
		return 1
	case b.ProposerID < o.ProposerID:
		return -1
	case b.ProposerID > o.ProposerID:
		return 1
	}
	return 0
}

func (b Ballot) Less(o Ballot) bool    { return b.Compare(o) < 0 }
func (b Ballot) Greater(o Ballot) bool { return b.Compare(o) > 0 }
func (b Ballot) Equal(o Ballot) bool   { return b == o }

func (b Ballot) IsZero() bool { return b.Round == 0 }

// Next returns the ballot proposerID uses after seeing b.
func (b Ballot) Next(proposerID int) Ballot {
	return Ballot{Round: b.Round + 1, ProposerID: proposerID}
}

func (b Ballot) String() string {
	if b.IsZero() {
		return "(none)"
	}
	return fmt.Sprintf("(round=%d, proposer=%d)", b.Round, b.ProposerID)
}

// maxBallot returns the higher of a and b.
func maxBallot(a, b Ballot) Ballot {
	if a.Less(b) {
		return b
	}
	return a
}
