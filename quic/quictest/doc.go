// Package quictest provides a deterministic in-memory quic.Engine and an
// in-memory packet network for tests.
//
// The engine speaks a minimal framing that carries stream data, flow
// control credit, resets and connection close between two engines. It does
// no cryptography and no loss recovery, so it must only be used over a
// transport that neither drops nor reorders datagrams, such as Network.
//
// Engine panics when it detects concurrent or re-entrant use, which makes
// it useful for checking that callers serialize engine access.
package quictest
