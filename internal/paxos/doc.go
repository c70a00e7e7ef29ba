// Package paxos implements the consensus core of the replicated log: ballots,
// the wire messages, and the three cooperating roles.
//
// Each log slot is an independent single-decree Paxos instance. Acceptors
// hold the durable per-slot state, proposers drive ballots through the
// prepare, accept and decide phases, and learners turn decision broadcasts
// into a deduplicated stream of LogEntry values.
package paxos

import logging "github.com/op/go-logging"

var log = logging.MustGetLogger("paxos")
