// Package group defines the external collective-communication primitive
// described in spec §5: a duplicable group handle providing rank/size,
// broadcast, gather, barrier, and non-blocking strided point-to-point
// send/recv. The core only ever talks to this interface — the redis-backed
// implementation in this package is one concrete substrate, not a
// requirement.
package group

import "context"

// Group is the contract the producer engine, consumer engine, and
// redistribution descriptor depend on. Broadcast, Gather and Barrier are
// collective: every rank in the group must call the same method the same
// number of times, in the same order, or the call deadlocks (spec §5,
// "Cancellation and timeouts: None"). ISend/IRecv are point-to-point.
type Group interface {
	Rank() int
	Size() int

	// Broadcast sends buf from root's value to every rank and returns the
	// received value. Every rank must pass a buf of the same length.
	Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error)

	// Gather collects equal-length buf values from every rank to root.
	// Non-root ranks receive a nil result.
	Gather(ctx context.Context, root int, buf []byte) ([][]byte, error)

	// Barrier blocks until every rank in the group has called Barrier for
	// the same round.
	Barrier(ctx context.Context) error

	// ISend posts a non-blocking send of length bytes starting at
	// srcOffset in src, tagged by tag, to destRank. The returned Request
	// must be waited on before the call is considered complete.
	ISend(ctx context.Context, destRank int, tag int, src []byte, srcOffset, length int) (Request, error)

	// IRecv posts a non-blocking receive of length bytes from srcRank,
	// tagged by tag, into dst starting at dstOffset.
	IRecv(ctx context.Context, srcRank int, tag int, dst []byte, dstOffset, length int) (Request, error)
}

// Request is a pending non-blocking operation returned by ISend/IRecv.
type Request interface {
	Wait(ctx context.Context) error
}

// WaitAll waits for every request in reqs, returning the first error
// encountered (after waiting on all of them, so no request is leaked).
func WaitAll(ctx context.Context, reqs []Request) error {
	var firstErr error
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
