// Package kafka carries generation jobs, revoke requests and job outcomes
// between the API server and the worker process over Kafka topics.
//
// The server publishes jobs and control messages through Dispatcher and
// consumes outcomes with a Consumer wired to ResultHandler. The worker
// consumes jobs and control messages and publishes outcomes through
// ResultPublisher. Messages are JSON and keyed by task id, so every message
// for one task lands on the same partition.
package kafka
