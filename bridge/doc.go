// Package bridge drives a synchronous quic.Engine from one goroutine and
// exposes its connections and streams as blocking, context-aware handles.
//
// An Endpoint owns one packet socket and one engine. A single driver loop
// is the only code that ever calls into the engine: it feeds received
// datagrams, runs commands submitted by handles, fires timers, applies the
// state changes the engine reports and sends what the engine produced.
// Handles never touch engine state. They submit commands to the loop and
// wait until the loop resolves them.
//
//	conn, err := bridge.Connect(ctx, "example.com:4433", &bridge.Config{
//		TLSConfig: &tls.Config{NextProtos: []string{"echo"}},
//	})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	str, err := conn.OpenStream(ctx, quic.Bidirectional)
package bridge
