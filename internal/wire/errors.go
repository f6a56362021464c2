package wire

import "errors"

var (
	ErrFrameTooLarge    = errors.New("wire: declared frame length exceeds ceiling")
	ErrMessageTooLarge  = errors.New("wire: encoded message exceeds outbound ceiling")
	ErrOrphanFragment   = errors.New("wire: fragment without an open group")
	ErrMissingGroupID   = errors.New("wire: fragment without a correlation id")
	ErrGroupUndecodable = errors.New("wire: reassembled group is not a valid message")
)
