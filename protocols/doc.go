// Package protocols groups the multi-party protocols run by the
// signing network: distributed key generation, share resharing, Beaver
// triple generation, presignature generation and the online signing
// phase. Every protocol implements the protocol.Protocol capability
// and is driven by the node's managers.
package protocols
