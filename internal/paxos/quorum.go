package paxos

// Majority is the quorum size for n acceptors.
func Majority(n int) int {
	return n/2 + 1
}

// QuorumRound collects the replies to one phase of one ballot.
//
// Replies are counted once per acceptor, so duplicated deliveries never
// inflate the count. For the prepare phase it also remembers the accepted
// value with the highest ballot among the promises; the proposer must
// propose that value instead of its own.
type QuorumRound struct {
	LogNum int64
	Ballot Ballot
	Phase  Kind

	needed int
	voters map[int]bool

	adopted     []byte
	adoptedAt   Ballot
	adoptedSub  SubmissionID
	hasAdopted  bool
	rejected    bool
	highestSeen Ballot
	rejecters   map[int]bool
}

func NewQuorumRound(logNum int64, b Ballot, phase Kind, numAcceptors int) *QuorumRound {
	return &QuorumRound{
		LogNum:    logNum,
		Ballot:    b,
		Phase:     phase,
		needed:    Majority(numAcceptors),
		voters:    make(map[int]bool),
		rejecters: make(map[int]bool),
	}
}

// Matches reports whether a reply belongs to this round.
func (q *QuorumRound) Matches(m Message) bool {
	if m.LogNum != q.LogNum || !m.Ballot.Equal(q.Ballot) {
		return false
	}
	switch m.Kind {
	case KindPromise:
		return q.Phase == KindPrepare
	case KindAccepted:
		return q.Phase == KindAccept
	case KindReject:
		return m.Phase == q.Phase
	}
	return false
}

// Add records a matching reply and reports whether it was new.
func (q *QuorumRound) Add(m Message) bool {
	if m.Kind == KindReject {
		if q.rejecters[m.From] {
			return false
		}
		q.rejecters[m.From] = true
		q.rejected = true
		q.highestSeen = maxBallot(q.highestSeen, m.Promised)
		return true
	}
	if q.voters[m.From] {
		return false
	}
	q.voters[m.From] = true
	if m.Kind == KindPromise && m.HasValue && !m.Accepted.IsZero() {
		if !q.hasAdopted || m.Accepted.Greater(q.adoptedAt) {
			q.adopted = m.Value
			q.adoptedAt = m.Accepted
			q.adoptedSub = m.Submission
			q.hasAdopted = true
		}
	}
	return true
}

func (q *QuorumRound) Votes() int { return len(q.voters) }

func (q *QuorumRound) Reached() bool { return len(q.voters) >= q.needed }

// Rejected reports whether any acceptor rejected the ballot, and the highest
// promise the rejections reported.
func (q *QuorumRound) Rejected() (bool, Ballot) { return q.rejected, q.highestSeen }

// Adopted returns the previously accepted value the proposer must carry into
// the accept phase, if any promise reported one.
func (q *QuorumRound) Adopted() ([]byte, Ballot, bool) {
	return q.adopted, q.adoptedAt, q.hasAdopted
}

// AdoptedSubmission is the submission the adopted value came from.
func (q *QuorumRound) AdoptedSubmission() SubmissionID { return q.adoptedSub }
