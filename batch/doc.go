// Package batch sorts draw calls and coalesces them into the minimum number
// of device submissions.
//
// A [Batch] collects [DrawCall] values for one frame section. Preparing it
// sorts the calls with a [Sorter], partitions the sorted sequence into
// [NativeBatch] runs that share one texture binding and fit the vertex
// limit, and stages one [Vertex] per call into pooled vertex buffers.
// Issuing it uploads the staged buffers and submits each run with a single
// bind and draw.
//
// Every Batch is a strict state machine:
//
//	NotPrepared -> Preparing -> Prepared -> Issuing -> Issued
//
// Transitions are compare-and-swap; an out-of-order call (issuing before
// prepare completes, preparing twice) fails with a [TransitionError] and
// leaves the state untouched.
//
// # Thread Safety
//
// Add, AddRange and ReserveSpace may be called from any goroutine while the
// batch is NotPrepared. Prepare and Issue may run on any goroutine, but only
// one of them at a time, which the state machine enforces.
package batch
