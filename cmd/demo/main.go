// =============================================================================
// DEMO RUNNER - A Replicated Log in One Process
// =============================================================================
//
// Runs a cluster of agents over the in-memory transport and walks through
// three scenarios:
//
// 1. ONE PROPOSER      peer 0 submits "hello, paxos!"
// 2. COMPETING         peers 0 and 1 submit at the same time; the log orders
//                      both values the same way everywhere
// 3. MINORITY FAILURE  a minority of peers is cut off; the rest keep
//                      deciding, and the returning peers backfill what they
//                      missed
//
//                     ┌─────────┐
//                     │ Client  │
//                     └────┬────┘
//                          │ Submit("hello, paxos!")
//                          ▼
//   ┌─────────┬─────────┬─────────┬─────────┬─────────┐
//   │ Peer 0  │ Peer 1  │ Peer 2  │ Peer 3  │ Peer 4  │
//   └────┬────┴────┬────┴────┬────┴────┬────┴────┬────┘
//        └─────────┴─────────┴─────────┴─────────┘
//                 every log: 0 "hello, paxos!"
//
// Run with: go run ./cmd/demo -peers 5 -drop 0.05 -log-level info
//
// The demo exits non-zero if two peers disagree on any slot.
//
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/senutpal/consent"
	"github.com/senutpal/consent/internal/logs"
	"github.com/senutpal/consent/internal/storage"
	"github.com/senutpal/consent/internal/transport"
)

var log = logging.MustGetLogger("demo")

// peerLog is what one peer's callback has delivered.
type peerLog struct {
	mu      sync.Mutex
	entries map[int64]string
}

func (l *peerLog) add(e consent.LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.LogNum] = string(e.Value)
}

func (l *peerLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *peerLog) snapshot() map[int64]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64]string, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

type cluster struct {
	net    *transport.Network
	agents []*consent.Agent
	logs   []*peerLog
}

func startCluster(peers int, timeout time.Duration, net *transport.Network) (*cluster, error) {
	c := &cluster{net: net}
	for i := 0; i < peers; i++ {
		pl := &peerLog{entries: make(map[int64]string)}
		a := consent.New()
		a.SetNumPeers(peers)
		a.SetUniquePeerNumber(i)
		for p := 0; p < peers; p++ {
			a.SetPeerEndpoint(p, fmt.Sprintf("peer-%d", p))
		}
		a.SetMessageTimeoutInterval(timeout)
		a.SetStorage(storage.NewMemoryStorage())
		a.SetTransport(net)
		a.SetLogCallback(pl.add)
		if err := a.Start(); err != nil {
			c.stop()
			return nil, err
		}
		c.agents = append(c.agents, a)
		c.logs = append(c.logs, pl)
	}
	return c, nil
}

func (c *cluster) stop() {
	for _, a := range c.agents {
		a.Close()
	}
}

// await waits until the given peers hold n entries, backfilling as it goes.
func (c *cluster) await(n int, peers []int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	want := make([]int64, n)
	for i := range want {
		want[i] = int64(i)
	}
	for time.Now().Before(deadline) {
		done := true
		for _, p := range peers {
			if c.logs[p].len() < n {
				done = false
				c.agents[p].Backfill(want...)
			}
		}
		if done {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func (c *cluster) all() []int {
	out := make([]int, len(c.agents))
	for i := range out {
		out[i] = i
	}
	return out
}

// check prints every log and reports whether all peers agree slot by slot.
func (c *cluster) check() bool {
	agreed := make(map[int64]string)
	ok := true
	for i, pl := range c.logs {
		snap := pl.snapshot()
		nums := make([]int64, 0, len(snap))
		for n := range snap {
			nums = append(nums, n)
		}
		sort.Slice(nums, func(a, b int) bool { return nums[a] < nums[b] })
		fmt.Printf("  peer %d:", i)
		for _, n := range nums {
			fmt.Printf(" %d=%q", n, snap[n])
			if v, seen := agreed[n]; seen && v != snap[n] {
				ok = false
			}
			agreed[n] = snap[n]
		}
		fmt.Printf("  (timeouts %.1f%%)\n", c.agents[i].TimeoutPercent())
	}
	return ok
}

func main() {
	peers := flag.Int("peers", 5, "number of peers")
	timeout := flag.Duration("timeout", 50*time.Millisecond, "message timeout interval")
	drop := flag.Float64("drop", 0, "probability of losing a message")
	dup := flag.Float64("dup", 0, "probability of duplicating a message")
	delay := flag.Duration("delay", 2*time.Millisecond, "maximum random delivery delay")
	level := flag.String("log-level", "warning", "log level")
	flag.Parse()

	if err := logs.Setup(os.Stderr, *level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	net := transport.NewNetwork()
	net.SetDropRate(*drop)
	net.SetDuplicateRate(*dup)
	net.SetMaxDelay(*delay)
	defer net.Close()

	c, err := startCluster(*peers, *timeout, net)
	if err != nil {
		log.Fatalf("start cluster: %v", err)
	}
	defer c.stop()
	fmt.Printf("Started %d peers, quorum size %d\n\n", *peers, *peers/2+1)

	fmt.Println("1. peer 0 submits \"hello, paxos!\"")
	c.agents[0].Submit([]byte("hello, paxos!"))
	if !c.await(1, c.all(), 10*time.Second) {
		log.Fatal("no consensus on the first value")
	}

	fmt.Println("2. peers 0 and 1 submit at the same time")
	var wg sync.WaitGroup
	for _, p := range []int{0, 1} {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			c.agents[p].Submit([]byte(fmt.Sprintf("value from peer %d", p)))
		}(p)
	}
	wg.Wait()
	if !c.await(3, c.all(), 10*time.Second) {
		log.Fatal("competing values were not both decided")
	}

	minority := (*peers - 1) / 2
	fmt.Printf("3. cutting off %d peers, the rest keep going\n", minority)
	var cut, rest []int
	for p := 0; p < *peers; p++ {
		if p >= *peers-minority {
			cut = append(cut, p)
			net.Block(fmt.Sprintf("peer-%d", p), "")
		} else {
			rest = append(rest, p)
		}
	}
	c.agents[0].Submit([]byte("decided without the minority"))
	if !c.await(4, rest, 10*time.Second) {
		log.Fatal("majority could not decide")
	}
	for _, p := range cut {
		net.Unblock(fmt.Sprintf("peer-%d", p), "")
	}
	if !c.await(4, cut, 10*time.Second) {
		log.Fatal("returning peers did not backfill")
	}

	fmt.Println("\nFinal logs:")
	if !c.check() {
		fmt.Println("\nPEERS DISAGREE")
		os.Exit(1)
	}
	st := net.Stats()
	fmt.Printf("\nConsensus achieved! All peers agree. (%d deliveries, %d dropped, %d duplicated)\n",
		st.Delivered, st.Dropped, st.Duplicated)
}
