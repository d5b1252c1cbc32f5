// Package queue implements admission bookkeeping for generation tasks:
// a bounded running counter and a bounded FIFO waiting list of task ids,
// both kept in Redis. The state is derived from the durable task store and
// can be rebuilt from it at any time with Reconcile.
package queue
