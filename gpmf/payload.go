package gpmf

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ResourceHandle identifies payload bytes held by a container reader; 0 means none.
type ResourceHandle uintptr

// ContainerReader provides the payloads of a single metadata track.
//
// Payload times must already include any edit-list correction.
type ContainerReader interface {
	// PayloadCount returns the number of payloads.
	PayloadCount() uint32
	// PayloadSize returns the size of a payload in bytes; 0 means that the index is invalid.
	PayloadSize(index uint32) uint32
	// AcquirePayloadResource reads a payload and holds it until it is released.
	AcquirePayloadResource(index uint32, size uint32) (ResourceHandle, error)
	// PayloadBytes returns the bytes held by a resource.
	PayloadBytes(resource ResourceHandle, index uint32) ([]byte, error)
	// ReleasePayloadResource releases a resource.
	ReleasePayloadResource(resource ResourceHandle)
	// PayloadTime returns the [in, out) time window of a payload, in seconds.
	PayloadTime(index uint32) (in float64, out float64, err error)
	// VideoFrameRateAndCount returns the frame count and frame rate (numerator / denominator) of the video track.
	VideoFrameRateAndCount() (frames uint32, numerator uint32, denominator uint32)
	// Close releases the reader.
	Close() error
}

// Payload is one time slice of the metadata stream.
type Payload struct {
	Index   uint32
	Bytes   []byte
	InTime  float64
	OutTime float64

	reader   ContainerReader
	resource ResourceHandle
	released bool
}

// Acquire fetches a payload and its time window.
//
// Every successful call must be paired with `Release`.
func Acquire(reader ContainerReader, index uint32) (*Payload, error) {
	size := reader.PayloadSize(index)
	if size == 0 {
		return nil, fmt.Errorf("payload %d has no size: %w", index, ErrPayloadUnavailable)
	}

	resource, err := reader.AcquirePayloadResource(index, size)
	if err != nil {
		return nil, fmt.Errorf("could not acquire payload %d: %w: %w", index, ErrPayloadUnavailable, err)
	}
	if resource == 0 {
		return nil, fmt.Errorf("could not acquire payload %d: %w", index, ErrPayloadUnavailable)
	}

	payload := &Payload{
		Index:    index,
		reader:   reader,
		resource: resource,
	}

	payload.Bytes, err = reader.PayloadBytes(resource, index)
	if err != nil {
		payload.Release()
		return nil, fmt.Errorf("could not read payload %d: %w: %w", index, ErrPayloadUnavailable, err)
	}
	if len(payload.Bytes) == 0 {
		payload.Release()
		return nil, fmt.Errorf("payload %d is empty: %w", index, ErrPayloadUnavailable)
	}

	payload.InTime, payload.OutTime, err = reader.PayloadTime(index)
	if err != nil {
		payload.Release()
		return nil, fmt.Errorf("could not get the time of payload %d: %w: %w", index, ErrPayloadUnavailable, err)
	}

	logger.WithFields(logrus.Fields{
		"index": index,
		"size":  len(payload.Bytes),
		"in":    payload.InTime,
		"out":   payload.OutTime,
	}).Debugf("Acquired payload")
	return payload, nil
}

// Release gives the payload's bytes back to the container reader.
//
// Calling it more than once is harmless.
func (p *Payload) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	p.Bytes = nil
	p.reader.ReleasePayloadResource(p.resource)
}

// Cursor creates a cursor over this payload.
func (p *Payload) Cursor() (*Cursor, error) {
	if p.released {
		return nil, fmt.Errorf("payload %d was released: %w", p.Index, ErrPayloadUnavailable)
	}
	return NewCursor(p.Bytes)
}
