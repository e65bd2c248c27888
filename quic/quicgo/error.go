package quicgo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/okdaichi/quicbridge/quic"
	quicgo_quicgo "github.com/quic-go/quic-go"
)

// wrapError normalizes errors returned by quic-go. Protocol errors are
// aliased by the quic package and pass through unchanged; errors caused by
// tearing down the engine become quic.ErrConnectionClosed.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	switch err.(type) {
	case *quicgo_quicgo.StreamError,
		*quicgo_quicgo.TransportError,
		*quicgo_quicgo.ApplicationError,
		*quicgo_quicgo.VersionNegotiationError,
		*quicgo_quicgo.StatelessResetError,
		*quicgo_quicgo.IdleTimeoutError,
		*quicgo_quicgo.HandshakeTimeoutError:
		return err
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, quicgo_quicgo.ErrServerClosed):
		return fmt.Errorf("%w: %w", quic.ErrConnectionClosed, err)
	default:
		return err
	}
}
