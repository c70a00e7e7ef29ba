// Package consent is a replicated, fault-tolerant append-only log built on
// Paxos.
//
// Every process runs one Agent. Agents agree, despite message loss and peer
// crashes, on a single ordered sequence of opaque values. Each decided value
// gets a log number and is handed exactly once per process to the LogCallback.
//
//	a := consent.New()
//	a.SetNumPeers(3)
//	a.SetUniquePeerNumber(0)
//	a.SetPeerEndpoint(0, "tcp://10.0.0.1:7100")
//	a.SetPeerEndpoint(1, "tcp://10.0.0.2:7100")
//	a.SetPeerEndpoint(2, "tcp://10.0.0.3:7100")
//	a.SetMessageTimeoutInterval(50 * time.Millisecond)
//	a.SetStorage(store)
//	a.SetLogCallback(func(e consent.LogEntry) { apply(e) })
//	if err := a.Start(); err != nil {
//		return err
//	}
//	a.Submit([]byte("hello"))
//
// Submit has no result. A value is in the log when the callback reports it;
// clients resubmit values they never see. Log numbers can arrive with gaps,
// which Backfill repairs.
//
// Configuration mistakes are programming errors: setters panic on invalid
// arguments or when called after Start, and Start panics on an incomplete
// configuration.
package consent
