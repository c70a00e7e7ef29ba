package paxos

import (
	"context"
	"testing"
	"time"
)

func runProposer(t *testing.T, id, peers int, timeout time.Duration) (*Proposer, chan Message, *recorder) {
	t.Helper()
	out := newRecorder()
	p := NewProposer(id, peers, timeout, out)
	in := make(chan Message, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx, in)
	return p, in, out
}

func promise(from int, to Message) Message {
	return Message{Kind: KindPromise, From: from, Proposer: to.Proposer, LogNum: to.LogNum, Ballot: to.Ballot}
}

func accepted(from int, to Message) Message {
	return Message{Kind: KindAccepted, From: from, Proposer: to.Proposer, LogNum: to.LogNum, Ballot: to.Ballot}
}

func TestProposerAdoptsHighestAcceptedValue(t *testing.T) {
	p, in, out := runProposer(t, 1, 3, time.Second)
	for slot := int64(0); slot < 7; slot++ {
		in <- Message{Kind: KindDecision, LogNum: slot, Value: []byte("earlier"), HasValue: true}
	}
	p.Submit([]byte("mine"))

	prep := out.expectSlot(t, KindPrepare, 7).m
	withV1 := promise(0, prep)
	v1 := SubmissionID{Proposer: 0, Epoch: 3, Seq: 1}
	withV1.Accepted = Ballot{Round: 2, ProposerID: 0}
	withV1.Submission = v1
	withV1.Value = []byte("V1")
	withV1.HasValue = true
	in <- withV1
	in <- promise(2, prep)

	acc := out.expectSlot(t, KindAccept, 7).m
	if string(acc.Value) != "V1" {
		t.Fatalf("Accept for slot 7 carries %q, want the previously accepted V1", acc.Value)
	}
	if acc.Submission != v1 {
		t.Fatalf("Accept carries submission %s, want the adopted %s", acc.Submission, v1)
	}
	if !acc.Ballot.Equal(prep.Ballot) {
		t.Fatalf("Accept ballot %s differs from Prepare ballot %s", acc.Ballot, prep.Ballot)
	}

	in <- accepted(0, acc)
	in <- accepted(2, acc)
	dec := out.expectSlot(t, KindDecide, 7).m
	if string(dec.Value) != "V1" {
		t.Fatalf("Decide carries %q", dec.Value)
	}
	in <- Message{Kind: KindDecision, LogNum: 7, Ballot: dec.Ballot, Proposer: 1, Submission: v1, Value: []byte("V1"), HasValue: true}

	// The displaced value is tried again on the next slot.
	prep = out.expectSlot(t, KindPrepare, 8).m
	in <- promise(0, prep)
	in <- promise(1, prep)
	acc = out.expectSlot(t, KindAccept, 8).m
	if string(acc.Value) != "mine" {
		t.Fatalf("resubmitted Accept carries %q, want mine", acc.Value)
	}
}

func TestProposerResubmitsWhenAnotherSubmissionWithSameBytesWins(t *testing.T) {
	p, in, out := runProposer(t, 0, 3, time.Second)
	mine := p.Submit([]byte("inc"))
	out.expectSlot(t, KindPrepare, 0)

	other := SubmissionID{Proposer: 1, Epoch: 42, Seq: 1}
	in <- Message{Kind: KindDecision, LogNum: 0, Ballot: Ballot{3, 1}, Proposer: 1, Submission: other, Value: []byte("inc"), HasValue: true}

	prep := out.expectSlot(t, KindPrepare, 1).m
	in <- promise(1, prep)
	in <- promise(2, prep)
	acc := out.expectSlot(t, KindAccept, 1).m
	if string(acc.Value) != "inc" || acc.Submission != mine {
		t.Fatalf("Accept for slot 1 = %q from %s, want inc from %s", acc.Value, acc.Submission, mine)
	}
}

func TestProposerRecognizesItsSubmissionDecidedByAnother(t *testing.T) {
	p, in, out := runProposer(t, 0, 3, time.Second)
	mine := p.Submit([]byte("v"))
	prep := out.expectSlot(t, KindPrepare, 0).m
	in <- promise(1, prep)
	in <- promise(2, prep)
	if acc := out.expectSlot(t, KindAccept, 0).m; acc.Submission != mine {
		t.Fatalf("Accept carries submission %s, want %s", acc.Submission, mine)
	}

	// Proposer 2 adopted our accepted value and decided it under its ballot.
	in <- Message{Kind: KindDecision, LogNum: 0, Ballot: Ballot{9, 2}, Proposer: 2, Submission: mine, Value: []byte("v"), HasValue: true}
	out.expectNone(t, KindPrepare, 100*time.Millisecond)
	if n := p.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after our submission was decided", n)
	}
}

func TestSubmissionIDsAreUnique(t *testing.T) {
	a := NewProposer(0, 3, time.Second, newRecorder())
	b := NewProposer(0, 3, time.Second, newRecorder())
	first, second := a.Submit([]byte("x")), a.Submit([]byte("x"))
	if first == second || first.IsZero() {
		t.Fatalf("Submit ids %s and %s", first, second)
	}
	if restarted := b.Submit([]byte("x")); restarted == first {
		t.Fatalf("a restarted proposer reused id %s", first)
	}
}

func TestProposerNeedsExactlyAMajority(t *testing.T) {
	p, in, out := runProposer(t, 0, 5, time.Second)
	p.Submit([]byte("v"))

	prep := out.expect(t, KindPrepare).m
	for i := 0; i < 3; i++ {
		in <- promise(i, prep)
	}
	acc := out.expect(t, KindAccept).m

	in <- accepted(3, acc)
	in <- accepted(4, acc)
	in <- accepted(4, acc)
	out.expectNone(t, KindDecide, 50*time.Millisecond)

	in <- accepted(1, acc)
	if dec := out.expect(t, KindDecide).m; string(dec.Value) != "v" || dec.LogNum != 0 {
		t.Fatalf("Decide = %+v", dec)
	}
}

func TestProposerFastForwardsPastReject(t *testing.T) {
	p, in, out := runProposer(t, 0, 3, 200*time.Millisecond)
	p.Submit([]byte("v"))

	prep := out.expect(t, KindPrepare).m
	in <- Message{
		Kind:     KindReject,
		From:     2,
		LogNum:   prep.LogNum,
		Ballot:   prep.Ballot,
		Phase:    KindPrepare,
		Promised: Ballot{Round: 10, ProposerID: 2},
	}
	next := out.expect(t, KindPrepare).m
	if next.Ballot.Round != 11 || next.Ballot.ProposerID != 0 {
		t.Fatalf("retry ballot = %s, want (round=11, proposer=0)", next.Ballot)
	}
}

func TestProposerRetriesAfterTimeout(t *testing.T) {
	p, _, out := runProposer(t, 2, 3, 30*time.Millisecond)
	p.Submit([]byte("v"))
	first := out.expect(t, KindPrepare).m
	second := out.expect(t, KindPrepare).m
	if !second.Ballot.Greater(first.Ballot) || second.LogNum != first.LogNum {
		t.Fatalf("retry %s slot %d after %s slot %d", second.Ballot, second.LogNum, first.Ballot, first.LogNum)
	}
	waitFor(t, time.Second, "timeouts to be counted", func() bool { return p.TimeoutPercent() == 100 })
}

func TestSilentAcceptorRaisesTimeoutPercent(t *testing.T) {
	c := makeCluster(t, 3, 50*time.Millisecond, 2)
	c.proposer.Submit([]byte("v"))
	waitFor(t, 2*time.Second, "slot 0 to be decided", func() bool { return decided(c, 0, 0) })
	waitFor(t, 2*time.Second, "the silent acceptor to be counted", func() bool {
		return c.proposer.TimeoutPercent() > 0
	})
}

func TestResponsiveQuorumKeepsTimeoutPercentAtZero(t *testing.T) {
	c := makeCluster(t, 3, 200*time.Millisecond)
	c.proposer.Submit([]byte("hello"))
	waitFor(t, 2*time.Second, "every acceptor to record the decision", func() bool {
		return decided(c, 0, 0) && decided(c, 1, 0) && decided(c, 2, 0)
	})
	time.Sleep(500 * time.Millisecond)
	answered, timedOut := c.proposer.Stats().Counts()
	if answered != 6 || timedOut != 0 || c.proposer.TimeoutPercent() != 0 {
		t.Fatalf("answered=%d timedOut=%d percent=%v", answered, timedOut, c.proposer.TimeoutPercent())
	}
}

// decided reads acceptor i's persisted state for slot.
func decided(c *cluster, i int, slot int64) bool {
	st, err := NewAcceptor(i, c.stores[i], c.net).State(slot)
	return err == nil && st.Decided
}
