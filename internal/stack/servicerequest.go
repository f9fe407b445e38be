// Package stack provides the thin generic abstraction the core depends on
// instead of a concrete transport/session-channel type (spec §6). Any
// server binding (binary TCP channel, in-process test harness, ...) plugs
// in by implementing ServiceRequest for its own transport.
package stack

import "sync"

// ServiceRequest is the contract the SubscriptionManager uses to answer a
// service call without knowing anything about secure channels, sessions, or
// wire encoding. T is the request body type, R the response body type.
type ServiceRequest[T any, R any] interface {
	// Request returns the decoded request body.
	Request() T

	// SetResponse completes the service call successfully.
	SetResponse(resp R)

	// SetServiceFault completes the service call with a top-level
	// ServiceFault, used for malformed or unauthorized calls rather than a
	// StatusCode embedded in the response body.
	SetServiceFault(status uint32)

	// RequestHandle is the client-supplied correlation id carried in the
	// RequestHeader, used by Publish/acknowledge bookkeeping.
	RequestHandle() uint32
}

// SyncServiceRequest is the default ServiceRequest implementation for
// synchronous, already-decoded calls (used by the in-process demo binding
// and by tests): SetResponse/SetServiceFault just stash the result for the
// caller to read back out. A Publish request in particular is completed by
// whichever Subscription's timer goroutine claims it, not the goroutine that
// issued the call, so every field is guarded by mu rather than left to the
// caller to synchronize.
type SyncServiceRequest[T any, R any] struct {
	req           T
	requestHandle uint32

	mu          sync.Mutex
	response    R
	fault       bool
	faultStatus uint32
	responded   bool
}

// NewSyncServiceRequest wraps a decoded request body for synchronous use.
func NewSyncServiceRequest[T any, R any](req T, requestHandle uint32) *SyncServiceRequest[T, R] {
	return &SyncServiceRequest[T, R]{req: req, requestHandle: requestHandle}
}

func (s *SyncServiceRequest[T, R]) Request() T { return s.req }

func (s *SyncServiceRequest[T, R]) SetResponse(resp R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = resp
	s.responded = true
}

func (s *SyncServiceRequest[T, R]) SetServiceFault(status uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = true
	s.faultStatus = status
	s.responded = true
}

func (s *SyncServiceRequest[T, R]) RequestHandle() uint32 { return s.requestHandle }

// Responded reports whether SetResponse or SetServiceFault has been called.
func (s *SyncServiceRequest[T, R]) Responded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responded
}

// Response returns the response body set by SetResponse. Only meaningful
// once Responded reports true and Fault is false.
func (s *SyncServiceRequest[T, R]) Response() R {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// Fault reports whether SetServiceFault completed this call.
func (s *SyncServiceRequest[T, R]) Fault() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// FaultStatus returns the status code passed to SetServiceFault.
func (s *SyncServiceRequest[T, R]) FaultStatus() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faultStatus
}
