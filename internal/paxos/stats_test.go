package paxos

import (
	"testing"
	"time"
)

func TestStatsSettlesExpectations(t *testing.T) {
	s := NewStats()
	now := time.Now()
	b := Ballot{1, 0}
	s.Expect(0, b, KindPrepare, 3, now.Add(time.Second))

	s.Reply(Message{Kind: KindPromise, From: 0, LogNum: 0, Ballot: b}, now)
	s.Reply(Message{Kind: KindPromise, From: 0, LogNum: 0, Ballot: b}, now)
	s.Reply(Message{Kind: KindReject, From: 1, LogNum: 0, Ballot: b, Phase: KindPrepare}, now)
	s.Sweep(now)
	if answered, timedOut := s.Counts(); answered != 2 || timedOut != 0 {
		t.Fatalf("before the deadline: answered=%d timedOut=%d", answered, timedOut)
	}

	s.Reply(Message{Kind: KindPromise, From: 2, LogNum: 0, Ballot: b}, now.Add(2*time.Second))
	s.Sweep(now.Add(2 * time.Second))
	answered, timedOut := s.Counts()
	if answered != 2 || timedOut != 1 {
		t.Fatalf("after the deadline: answered=%d timedOut=%d", answered, timedOut)
	}
	if got := s.TimeoutPercent(); got < 33 || got > 34 {
		t.Fatalf("TimeoutPercent() = %v, want 33.3", got)
	}
}

func TestStatsEmpty(t *testing.T) {
	if got := NewStats().TimeoutPercent(); got != 0 {
		t.Fatalf("TimeoutPercent() = %v with nothing expected", got)
	}
}
