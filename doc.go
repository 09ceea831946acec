// Package pullstream adapts a push-based byte producer to a pull-based consumer.
//
// A producer writes chunks of any size whenever they arrive. A consumer asks for
// exactly n bytes (Pull), for everything left once the producer is done (PullAll),
// or for a bounded copy into a downstream sink (Pipe), and is answered once through
// a callback or a Transfer. Every delivered Chunk carries the stream offset of its
// first byte.
//
// Only one request is pending at a time. Pause stops servicing and is forwarded to
// the attached upstream so the producer throttles at the source instead of the
// stream buffering without bound.
package pullstream
