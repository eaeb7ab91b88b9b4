package domain

import "errors"

var (
	ErrDuplicatePeer         = errors.New("peer already exists")
	ErrUnknownPeer           = errors.New("peer not found")
	ErrTransportNotFound     = errors.New("transport not found")
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrConsumerNotFound      = errors.New("consumer not found")
	ErrEngineFailure         = errors.New("media engine failure")
	ErrIngestFailure         = errors.New("ingest failure")
)
