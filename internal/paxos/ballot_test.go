package paxos

import "testing"

func TestBallotOrdering(t *testing.T) {
	tests := []struct {
		a, b Ballot
		want int
	}{
		{Ballot{1, 0}, Ballot{1, 2}, -1},
		{Ballot{1, 2}, Ballot{2, 0}, -1},
		{Ballot{3, 1}, Ballot{2, 4}, 1},
		{Ballot{5, 1}, Ballot{5, 1}, 0},
		{Ballot{}, Ballot{1, 0}, -1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := tt.b.Compare(tt.a); got != -tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.b, tt.a, got, -tt.want)
		}
	}
}

func TestBallotNextIsHigher(t *testing.T) {
	seen := Ballot{Round: 7, ProposerID: 4}
	next := seen.Next(1)
	if !next.Greater(seen) {
		t.Fatalf("%s is not above %s", next, seen)
	}
	if next.ProposerID != 1 {
		t.Fatalf("Next kept proposer %d", next.ProposerID)
	}
	if !(Ballot{}).IsZero() || next.IsZero() {
		t.Fatal("IsZero is wrong")
	}
}
