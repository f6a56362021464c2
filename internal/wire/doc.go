// Package wire owns the canonical message schema and framing primitives.
//
// Ownership boundary:
// - Message envelope and reserved protocol fields
// - length-prefixed frame encoder/decoder
// - fragment split/reassembly primitives
package wire
