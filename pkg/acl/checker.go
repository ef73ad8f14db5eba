package acl

import (
	"errors"
	"sync"
)

var (
	// ErrAccessDenied is returned when no entry grants the required privilege.
	ErrAccessDenied = errors.New("acl: access denied")

	// ErrInvalidEntry is returned by AddEntry for malformed entries.
	ErrInvalidEntry = errors.New("acl: invalid entry")
)

// DeviceTypeResolver answers whether an endpoint exposes a device type. It
// backs device-type targets without tying this package to a data model.
type DeviceTypeResolver interface {
	IsDeviceTypeOnEndpoint(deviceType uint32, endpoint uint16) bool
}

type nullResolver struct{}

func (nullResolver) IsDeviceTypeOnEndpoint(uint32, uint16) bool { return false }

// Checker evaluates access requests against the installed entries.
type Checker struct {
	mu       sync.RWMutex
	entries  []Entry
	resolver DeviceTypeResolver
}

// NewChecker returns a checker with no entries. A nil resolver never matches
// device-type targets.
func NewChecker(resolver DeviceTypeResolver) *Checker {
	if resolver == nil {
		resolver = nullResolver{}
	}
	return &Checker{resolver: resolver}
}

// AddEntry validates and installs an entry.
func (c *Checker) AddEntry(e Entry) error {
	if e.FabricIndex == 0 || !e.Privilege.IsValid() {
		return ErrInvalidEntry
	}
	if e.AuthMode != AuthModeCASE && e.AuthMode != AuthModeGroup {
		return ErrInvalidEntry
	}
	// Group entries may not carry Administer.
	if e.AuthMode == AuthModeGroup && e.Privilege == PrivilegeAdminister {
		return ErrInvalidEntry
	}
	for _, t := range e.Targets {
		if t.Cluster == nil && t.Endpoint == nil && t.DeviceType == nil {
			return ErrInvalidEntry
		}
		if t.Endpoint != nil && t.DeviceType != nil {
			return ErrInvalidEntry
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

// RemoveFabric drops every entry owned by a fabric.
func (c *Checker) RemoveFabric(idx FabricIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.FabricIndex != idx {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Entries returns a copy of the installed entries.
func (c *Checker) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Check returns nil when subject holds at least required on path, and
// ErrAccessDenied otherwise. The first matching entry wins.
func (c *Checker) Check(subject SubjectDescriptor, path RequestPath, required Privilege) error {
	if subject.AuthMode == AuthModePASE && subject.IsCommissioning {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.entries {
		e := &c.entries[i]
		if e.FabricIndex != subject.FabricIndex || e.AuthMode != subject.AuthMode {
			continue
		}
		if !e.Privilege.Grants(required) {
			continue
		}
		if !subjectMatches(e, &subject) {
			continue
		}
		if !c.targetMatches(e, path) {
			continue
		}
		return nil
	}
	return ErrAccessDenied
}

func subjectMatches(e *Entry, s *SubjectDescriptor) bool {
	if len(e.Subjects) == 0 {
		return true
	}
	for _, want := range e.Subjects {
		if want == s.Subject {
			return true
		}
		if s.AuthMode == AuthModeCASE && s.CATs.Matches(want) {
			return true
		}
	}
	return false
}

func (c *Checker) targetMatches(e *Entry, p RequestPath) bool {
	if len(e.Targets) == 0 {
		return true
	}
	for _, t := range e.Targets {
		if t.Cluster != nil && *t.Cluster != p.Cluster {
			continue
		}
		if t.Endpoint != nil && *t.Endpoint != p.Endpoint {
			continue
		}
		if t.DeviceType != nil && !c.resolver.IsDeviceTypeOnEndpoint(*t.DeviceType, p.Endpoint) {
			continue
		}
		return true
	}
	return false
}
