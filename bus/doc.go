/*
Package bus implements the in-process publish/subscribe backbone of the
coordination core.

All components communicate only by publishing and subscribing to typed
events. Delivery is at-most-once per subscription handle. Each subscription
owns a bounded FIFO queue drained by a single dispatch goroutine, so events
sharing a correlation id reach a given subscriber in publish order; there is
no ordering guarantee across subscriptions. A weighted semaphore caps the
number of handler invocations in flight across all subscriptions. When a
subscription queue overflows, new events for that subscription are dropped
and counted; events older than the configured TTL are purged at dispatch
time. Handler panics are isolated per subscription and never prevent
delivery to other subscribers of the same event.
*/
package bus
