// =============================================================================
// PROPOSER - The Driver of Paxos Consensus
// =============================================================================
//
// The proposer turns submitted values into decided log slots. Submit only
// queues the value; Run takes values off the queue one at a time and drives
// each one through the phases for the lowest slot not known to be decided:
//
// PHASE 1: PREPARE
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ 1. Pick a ballot higher than any I have used or heard about            │
// │ 2. Send Prepare(ballot, slot) to ALL acceptors                         │
// │ 3. Wait for Promise from a MAJORITY, or the timeout                    │
// │ 4. If any promise reports an accepted value, I MUST propose the one    │
// │    with the highest accepted ballot instead of my own                  │
// └─────────────────────────────────────────────────────────────────────────┘
//
// PHASE 2: ACCEPT
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ 1. Send Accept(ballot, slot, value) to ALL acceptors                   │
// │ 2. Wait for Accepted from a MAJORITY, or the timeout                   │
// │ 3. A majority means the value is CHOSEN for the slot                   │
// └─────────────────────────────────────────────────────────────────────────┘
//
// PHASE 3: DECIDE
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ 1. Send Decide(ballot, slot, value) to ALL acceptors; they persist it  │
// │    and broadcast the Decision to every learner                         │
// │ 2. Resend every timeout until a Decision for the slot comes back       │
// └─────────────────────────────────────────────────────────────────────────┘
//
// Any Reject aborts the ballot: the proposer fast-forwards its round past the
// rejecting promise and retries after a random backoff. A phase timeout
// retries the same way. Retries go on for the life of the process; nothing
// is reported to the submitter.
//
// Every submitted value gets a SubmissionID that travels with it. If the
// slot ends up decided with another submission (adopted from a promise, or
// decided by another proposer), the submitted value goes back to the front
// of the queue and is tried on the next slot. Ownership is decided by id,
// never by comparing bytes: two clients submitting the same bytes get two
// log entries.
//
// =============================================================================
// LIVENESS
// =============================================================================
//
// Two proposers can keep pre-empting each other's ballots forever. The random
// backoff before a retry makes that unlikely; it is never a safety problem.
//
// Learners only hear about a slot once its proposer sends Decide. A proposer
// that crashes after a majority accepted but before Decide leaves the slot
// chosen yet undelivered: no learner sees it until another proposer works on
// that slot, adopts the accepted value and decides it. A peer whose
// proposer lags behind does exactly that, since it starts at the lowest slot
// it has not seen decided.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Before sending Accept, the proposer adopts the value of the
//            highest accepted ballot reported in the promises of its quorum.
//
// =============================================================================

package paxos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

var (
	ErrRejected = errors.New("proposal rejected")
	ErrTimeout  = errors.New("phase timed out")
)

// submission is a value handed to Submit.
type submission struct {
	id    SubmissionID
	value []byte
}

// attempt is one submitted value on its way into the log.
type attempt struct {
	slot   int64
	ballot Ballot
	// phase is KindPrepare, KindAccept or KindDecide, or empty while
	// backing off before the next ballot.
	phase  Kind
	client submission
	// value and carries are what the current ballot proposes: the client's
	// submission, or one adopted from a promise.
	value    []byte
	carries  SubmissionID
	round    *QuorumRound
	deadline time.Time
	retryAt  time.Time
}

type Proposer struct {
	id      int
	peers   int
	timeout time.Duration
	out     Outbox
	stats   *Stats
	rng     *rand.Rand

	epoch int64
	seq   uint64
	queue []submission
	wake  chan struct{}
	mu    sync.Mutex

	// Owned by Run.
	highestRound int64
	nextSlot     int64
	decided      map[int64]bool
	current      *attempt
}

// NewProposer returns the proposer of peer id in a cluster of peers acceptors
// with the given phase timeout.
func NewProposer(id, peers int, timeout time.Duration, out Outbox) *Proposer {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	return &Proposer{
		id:      id,
		peers:   peers,
		timeout: timeout,
		out:     out,
		stats:   NewStats(),
		rng:     rng,
		epoch:   rng.Int63(),
		wake:    make(chan struct{}, 1),
		decided: make(map[int64]bool),
	}
}

// Submit queues value for consensus and returns the id it travels under. It
// never blocks on the protocol.
func (p *Proposer) Submit(value []byte) SubmissionID {
	p.mu.Lock()
	p.seq++
	id := SubmissionID{Proposer: p.id, Epoch: p.epoch, Seq: p.seq}
	p.queue = append(p.queue, submission{id: id, value: append([]byte(nil), value...)})
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return id
}

// Pending returns the number of values waiting in the queue.
func (p *Proposer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Proposer) Stats() *Stats { return p.stats }

// TimeoutPercent is the share of expected acceptor replies that timed out.
func (p *Proposer) TimeoutPercent() float64 { return p.stats.TimeoutPercent() }

// Run drives the protocol. in carries replies from acceptors (Promise, Reject,
// Accepted) and Decision broadcasts.
func (p *Proposer) Run(ctx context.Context, in <-chan Message) {
	tick := time.NewTicker(p.tickInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			p.handle(m, time.Now())
		case <-p.wake:
		case now := <-tick.C:
			p.onTick(now)
		}
		p.advance(time.Now())
	}
}

func (p *Proposer) tickInterval() time.Duration {
	if d := p.timeout / 4; d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

func (p *Proposer) handle(m Message, now time.Time) {
	switch m.Kind {
	case KindPromise, KindAccepted, KindReject:
		p.stats.Reply(m, now)
		p.observe(m)
		if a := p.current; a != nil && a.round != nil && a.round.Matches(m) {
			p.onReply(m, now)
		}
	case KindDecision:
		p.observe(m)
		p.onDecision(m)
	default:
		log.Warningf("proposer %d: unexpected %s", p.id, m)
	}
}

// observe keeps the round counter above every ballot this proposer hears of.
func (p *Proposer) observe(m Message) {
	for _, b := range []Ballot{m.Ballot, m.Accepted, m.Promised} {
		if b.Round > p.highestRound {
			p.highestRound = b.Round
		}
	}
}

func (p *Proposer) onReply(m Message, now time.Time) {
	a := p.current
	if !a.round.Add(m) {
		return
	}
	if rejected, highest := a.round.Rejected(); rejected {
		p.handleRejection(highest)
		p.retry(ErrRejected, now)
		return
	}
	if !a.round.Reached() {
		return
	}
	switch a.phase {
	case KindPrepare:
		if v, at, ok := a.round.Adopted(); ok {
			a.value = v
			a.carries = a.round.AdoptedSubmission()
			if a.carries != a.client.id {
				log.Infof("proposer %d: slot %d already holds submission %s accepted at %s, adopting it", p.id, a.slot, a.carries, at)
			}
		}
		p.accept(now)
	case KindAccept:
		p.decide(now)
	}
}

func (p *Proposer) onDecision(m Message) {
	p.decided[m.LogNum] = true
	for p.decided[p.nextSlot] {
		delete(p.decided, p.nextSlot)
		p.nextSlot++
	}
	a := p.current
	if a == nil || a.slot != m.LogNum {
		return
	}
	p.current = nil
	if m.Submission == a.client.id {
		log.Debugf("proposer %d: slot %d decided with submission %s", p.id, a.slot, a.client.id)
		return
	}
	log.Infof("proposer %d: slot %d decided with submission %s, resubmitting %s", p.id, a.slot, m.Submission, a.client.id)
	p.requeue(a.client)
}

func (p *Proposer) onTick(now time.Time) {
	p.stats.Sweep(now)
	a := p.current
	if a == nil || a.phase == "" || !now.After(a.deadline) {
		return
	}
	if a.phase == KindDecide {
		log.Infof("proposer %d: no decision for slot %d yet, resending decide", p.id, a.slot)
		a.deadline = now.Add(p.timeout)
		p.broadcast(Message{Kind: KindDecide, LogNum: a.slot, Ballot: a.ballot, Submission: a.carries, Value: a.value, HasValue: true})
		return
	}
	p.retry(ErrTimeout, now)
}

// advance starts the next queued value, or the next ballot once a backoff
// is over.
func (p *Proposer) advance(now time.Time) {
	if p.current == nil {
		v, ok := p.pop()
		if !ok {
			return
		}
		p.current = &attempt{client: v}
		p.prepare(now)
		return
	}
	if p.current.phase == "" && !now.Before(p.current.retryAt) {
		p.prepare(now)
	}
}

func (p *Proposer) prepare(now time.Time) {
	a := p.current
	a.slot = p.nextSlot
	a.ballot = p.generateBallot()
	a.phase = KindPrepare
	a.value = a.client.value
	a.carries = a.client.id
	a.round = NewQuorumRound(a.slot, a.ballot, KindPrepare, p.peers)
	a.deadline = now.Add(p.timeout)
	p.stats.Expect(a.slot, a.ballot, KindPrepare, p.peers, a.deadline)
	log.Debugf("proposer %d: prepare slot %d at %s", p.id, a.slot, a.ballot)
	p.broadcast(Message{Kind: KindPrepare, LogNum: a.slot, Ballot: a.ballot})
}

func (p *Proposer) accept(now time.Time) {
	a := p.current
	a.phase = KindAccept
	a.round = NewQuorumRound(a.slot, a.ballot, KindAccept, p.peers)
	a.deadline = now.Add(p.timeout)
	p.stats.Expect(a.slot, a.ballot, KindAccept, p.peers, a.deadline)
	log.Debugf("proposer %d: accept slot %d at %s", p.id, a.slot, a.ballot)
	p.broadcast(Message{Kind: KindAccept, LogNum: a.slot, Ballot: a.ballot, Submission: a.carries, Value: a.value, HasValue: true})
}

func (p *Proposer) decide(now time.Time) {
	a := p.current
	a.phase = KindDecide
	a.round = nil
	a.deadline = now.Add(p.timeout)
	log.Debugf("proposer %d: slot %d chosen at %s", p.id, a.slot, a.ballot)
	p.broadcast(Message{Kind: KindDecide, LogNum: a.slot, Ballot: a.ballot, Submission: a.carries, Value: a.value, HasValue: true})
}

// retry abandons the current ballot and schedules the next one after a
// random backoff shorter than the timeout.
func (p *Proposer) retry(reason error, now time.Time) {
	a := p.current
	log.Infof("proposer %d: slot %d at %s: %v, retrying", p.id, a.slot, a.ballot, reason)
	a.phase = ""
	a.round = nil
	a.retryAt = now.Add(time.Duration(p.rng.Int63n(int64(p.timeout)/2 + 1)))
}

func (p *Proposer) broadcast(m Message) {
	m.From = p.id
	m.Proposer = p.id
	if err := p.out.Broadcast(TopicAcceptor, m); err != nil {
		log.Warningf("proposer %d: broadcast %s: %v", p.id, m.Kind, err)
	}
}

func (p *Proposer) generateBallot() Ballot {
	p.highestRound++
	return Ballot{Round: p.highestRound, ProposerID: p.id}
}

func (p *Proposer) handleRejection(highestSeen Ballot) {
	if highestSeen.Round > p.highestRound {
		p.highestRound = highestSeen.Round
	}
}

func (p *Proposer) pop() (submission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return submission{}, false
	}
	v := p.queue[0]
	p.queue = p.queue[1:]
	return v, true
}

func (p *Proposer) requeue(s submission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append([]submission{s}, p.queue...)
}
