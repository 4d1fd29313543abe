// Package engine is the request engine behind a race-condition attack.
//
// An Engine owns a fixed number of connection workers. Each worker dials the
// target once during warm-up and then waits for Start. After Start, workers
// pull rendered requests from a shared queue, write them to their socket and
// read the responses back in order. A request queued behind a gate has its
// final byte withheld: the worker writes everything else, arrives at the gate
// and only sends the last byte once OpenGate releases the gate. Because every
// worker is already parked on an open connection with a nearly complete
// request, the final bytes of all gated requests reach the server within a
// very small window.
//
// Lifecycle:
//
//	e, _ := engine.New(ctx, opts)       // dial connections
//	e.Queue(ctx, tpl, payloads, engine.WithGate("race1"))
//	e.Start(5 * time.Second)            // wait for connections, begin sending
//	e.OpenGate("race1")                 // release withheld bytes
//	e.Complete(60 * time.Second)        // drain and shut down
//
// Failed reads and writes are retried on a fresh connection up to
// MaxRetriesPerRequest times; after that the request is handed to the
// callback with its error.
package engine
