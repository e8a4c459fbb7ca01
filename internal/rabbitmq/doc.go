// Package rabbitmq provides the resilient broker link used by mmate-relay.
//
// This package includes:
//   - ConnectionManager: owns one connection and confirm channel, fails over
//     between broker nodes and recreates faulted channels
//   - TopologyManager: idempotent queue declaration with dead-letter wiring
//   - Publisher: confirmed publishing with declare-on-demand and retries
//   - Consumer: manual-ack subscriptions with bounded, broker-delayed retries
//     that survive channel and connection replacement
//   - QueueInspector and Replayer: read queue depths and move parked
//     messages back onto their queue
//
// Components never hold a channel across operations. They borrow it from the
// ConnectionManager right before each broker call and register as
// LinkListeners to re-attach after a new channel comes up.
package rabbitmq
