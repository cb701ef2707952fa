package domain

import "errors"

var (
	ErrPublisherNotFound  = errors.New("publisher not found")
	ErrPublisherExists    = errors.New("publisher already exists")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrTrackNotFound      = errors.New("track not found")
	ErrLayerNotFound      = errors.New("layer not found on track")
	ErrNegotiationTimeout = errors.New("negotiation did not complete in time")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrBusClosed          = errors.New("message bus closed")
	ErrSinkClosed         = errors.New("packet sink closed")
)
