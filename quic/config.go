package quic

import "github.com/quic-go/quic-go"

// Config contains configuration options for a QUIC engine.
// See github.com/quic-go/quic-go.Config for available options.
// Engines that are not backed by quic-go may ignore most fields.
type Config = quic.Config
