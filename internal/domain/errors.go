package domain

import "errors"

var (
	ErrSequenceNotFound  = errors.New("sequence not found")
	ErrLeadNotFound      = errors.New("lead not found")
	ErrTerminal          = errors.New("sequence is terminal")
	ErrInvalidTransition = errors.New("invalid sequence transition")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	// ErrChannelUnavailable marks a failure of the channel itself (missing sender,
	// rejected credentials). It never counts against a sequence's retry cap.
	ErrChannelUnavailable  = errors.New("channel unavailable")
	ErrUnknownSequenceType = errors.New("unknown sequence type")
	ErrUnknownChannel      = errors.New("unknown channel")
)
