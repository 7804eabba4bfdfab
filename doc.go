// Package parley coordinates LLM-backed agents that converse over named
// topics on a partitioned, log-backed message broker.
//
// Agents are declared with NewAgent and run by the supervisor package. Each
// agent consumes its topics under its own consumer group, filters out its own
// messages and over-deep reply chains, generates a reply through a bounded
// provider gateway, publishes it keyed by thread, and only then commits its
// offset. Delivery is at-least-once; reply ids are derived deterministically
// from the agent and the message being answered, so redelivery converges
// instead of duplicating conversation.
//
// The broker package ships three backends: an in-memory log for tests and
// examples, Kafka-compatible clusters, and NATS JetStream.
package parley
