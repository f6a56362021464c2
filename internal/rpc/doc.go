// Package rpc owns request/response correlation on top of a Port.
//
// Ownership boundary:
// - correlation id issue and pending-request bookkeeping
// - reply matching, timeouts, disconnect rejection
// - transparent fragmentation of oversized sends
// - application handler dispatch, ping answering, echo-loop guard
package rpc
