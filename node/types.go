package node

import (
	"time"
)

// Per-protocol timeouts. A stuck generator is unilaterally abandoned
// beyond these; peers time the same instance out independently.
// Values leave room for several network round trips per protocol
// round.
const (
	protocolTripleTimeout    = 5 * time.Minute
	protocolPresigTimeout    = 60 * time.Second
	protocolSignatureTimeout = 60 * time.Second
)

// defaultPollInterval is the cadence of the state-machine driver and
// of contract polling.
const defaultPollInterval = time.Second

// maxConcurrentGenerations bounds how many triple generations a node
// proposes at once while filling the pool.
const maxConcurrentGenerations = 8

// minPresignatures is how many presignatures a node keeps ready for
// the requests it will propose.
const minPresignatures = 2

// parkedFrameTTL bounds how long an undeliverable inbound frame waits
// for its dependencies before being dropped.
const parkedFrameTTL = 2 * time.Minute

// maxParkedFrames bounds the parking buffer.
const maxParkedFrames = 1024
