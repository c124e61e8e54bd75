package gpmf

import "fmt"

// MemoryPayload is a payload held in memory.
type MemoryPayload struct {
	Data    []byte
	InTime  float64
	OutTime float64
}

// MemorySource is a container reader backed by in-memory payloads.
//
// It is mostly useful for tests and for raw metadata dumps.
type MemorySource struct {
	Payloads    []MemoryPayload
	Frames      uint32
	Numerator   uint32
	Denominator uint32

	lastHandle  ResourceHandle
	outstanding map[ResourceHandle]uint32
	acquired    int
}

var _ ContainerReader = (*MemorySource)(nil)

// PayloadCount returns the number of payloads.
func (s *MemorySource) PayloadCount() uint32 {
	return uint32(len(s.Payloads))
}

// PayloadSize returns the size of the payload.
func (s *MemorySource) PayloadSize(index uint32) uint32 {
	if int(index) >= len(s.Payloads) {
		return 0
	}
	return uint32(len(s.Payloads[index].Data))
}

// AcquirePayloadResource hands out a new resource handle.
func (s *MemorySource) AcquirePayloadResource(index uint32, size uint32) (ResourceHandle, error) {
	if int(index) >= len(s.Payloads) {
		return 0, fmt.Errorf("index %d out of range", index)
	}
	if s.outstanding == nil {
		s.outstanding = map[ResourceHandle]uint32{}
	}
	s.lastHandle++
	s.outstanding[s.lastHandle] = index
	s.acquired++
	return s.lastHandle, nil
}

// PayloadBytes returns the payload data.
func (s *MemorySource) PayloadBytes(resource ResourceHandle, index uint32) ([]byte, error) {
	held, ok := s.outstanding[resource]
	if !ok || held != index {
		return nil, fmt.Errorf("resource %d does not hold payload %d", resource, index)
	}
	return s.Payloads[index].Data, nil
}

// ReleasePayloadResource forgets the resource handle.
func (s *MemorySource) ReleasePayloadResource(resource ResourceHandle) {
	delete(s.outstanding, resource)
}

// PayloadTime returns the payload's time window.
func (s *MemorySource) PayloadTime(index uint32) (float64, float64, error) {
	if int(index) >= len(s.Payloads) {
		return 0, 0, fmt.Errorf("index %d out of range", index)
	}
	return s.Payloads[index].InTime, s.Payloads[index].OutTime, nil
}

// VideoFrameRateAndCount returns the configured video information.
func (s *MemorySource) VideoFrameRateAndCount() (uint32, uint32, uint32) {
	return s.Frames, s.Numerator, s.Denominator
}

// Close does nothing.
func (s *MemorySource) Close() error {
	return nil
}

// Outstanding returns the number of resources that have not been released.
func (s *MemorySource) Outstanding() int {
	return len(s.outstanding)
}

// Acquired returns the number of resources handed out so far.
func (s *MemorySource) Acquired() int {
	return s.acquired
}
