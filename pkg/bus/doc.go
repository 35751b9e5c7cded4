// Package bus provides the publish/subscribe fabric that carries live run
// output from workers to streaming clients.
//
// # Overview
//
// Every run owns two channels on the bus:
//
//   - run_results:{run_id} carries JSON stream envelopes (chunks and the
//     terminal end marker) consumed by the SSE endpoint.
//   - run_logs:{run_id} carries plain log lines consumed by the WebSocket
//     endpoint.
//
// The bus is a live feed, not a log: messages published while nobody is
// subscribed are gone, and new subscribers never see history. Durable
// results live in the run store; the bus only exists so clients can watch
// output as it happens.
//
// # Delivery Contract
//
//   - At-most-once per subscriber. No acknowledgements, no redelivery.
//   - FIFO per (channel, subscriber) for messages that are delivered.
//   - Bounded buffering: each subscriber holds at most the configured
//     buffer of undelivered messages (1024 by default). On overflow the
//     oldest pending message is dropped so the feed stays current.
//   - Subscriber isolation: one slow consumer drops its own messages and
//     never blocks publishers or other subscribers.
//
// # Drivers
//
// Two drivers implement the Bus interface:
//
//   - MemoryBus fans out in process. It serves single-node deployments
//     where API server and workers share a process boundary, and all
//     tests.
//   - RedisBus rides Redis pub/sub so workers and API servers on
//     different nodes share one fabric. Redis pub/sub is itself
//     fire-and-forget, which matches the delivery contract.
//
// Driver selection is a config concern; everything above the bus sees
// only the interface.
//
// # Usage
//
//	b, err := bus.NewRedisBus(ctx, redisClient)
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//
//	sub, err := b.Subscribe(ctx, types.ResultChannel(runID))
//	if err != nil {
//		return err
//	}
//	defer sub.Release()
//
//	for msg := range sub.C() {
//		env, err := types.DecodeEnvelope(msg)
//		...
//	}
//
// Subscriptions are confirmed before Subscribe returns, so the
// subscribe-then-read-status ordering used by the streaming endpoints
// cannot miss messages published after the status read.
//
// # See Also
//
//   - Package api for the SSE and WebSocket endpoints built on the bus.
//   - Package worker for the publishing side.
//   - Package types for channel naming and envelope encoding.
package bus
