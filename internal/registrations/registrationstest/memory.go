// Package registrationstest provides an in-memory registration store and
// catalogue for tests.
package registrationstest

import (
	"context"
	"sort"
	"sync"

	"ms-reservations/internal/models"
	"ms-reservations/internal/registrations"
)

type Store struct {
	mu        sync.Mutex
	regs      map[string]models.Registration
	events    map[string]models.Event
	lines     map[string]models.EventLine
	resources map[string]models.Resource

	// FailUpdate, when set, is consulted before every registration update.
	FailUpdate func(reg models.Registration) error
	Updates    int
}

func NewStore() *Store {
	return &Store{
		regs:      map[string]models.Registration{},
		events:    map[string]models.Event{},
		lines:     map[string]models.EventLine{},
		resources: map[string]models.Resource{},
	}
}

func (s *Store) GetRegistration(_ context.Context, id string) (*models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return nil, registrations.ErrNotFound
	}
	return &reg, nil
}

func (s *Store) CreateRegistration(_ context.Context, reg *models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.ID] = *reg
	return nil
}

func (s *Store) UpdateRegistration(_ context.Context, reg *models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate != nil {
		if err := s.FailUpdate(*reg); err != nil {
			return err
		}
	}
	current, ok := s.regs[reg.ID]
	if !ok {
		return registrations.ErrNotFound
	}
	if current.RowVersion != reg.RowVersion {
		return registrations.ErrConcurrentUpdate
	}
	reg.RowVersion++
	s.regs[reg.ID] = *reg
	s.Updates++
	return nil
}

func (s *Store) ListSubmitted(_ context.Context, limit int) ([]models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Registration
	for _, reg := range s.regs {
		if reg.Status == models.RegistrationSubmitted {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].HoldExpiresAt, out[j].HoldExpiresAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, registrations.ErrEventNotFound
	}
	return &e, nil
}

func (s *Store) ListEventLines(_ context.Context, eventID string) ([]models.EventLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventLine
	for _, l := range s.lines {
		if l.EventID == eventID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetEventLines(_ context.Context, ids []string) ([]models.EventLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventLine
	for _, id := range ids {
		if l, ok := s.lines[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) GetResources(_ context.Context, ids []string) ([]models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Resource
	for _, id := range ids {
		if r, ok := s.resources[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) PutEvent(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

func (s *Store) PutLine(l models.EventLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[l.ID] = l
}

func (s *Store) PutResource(r models.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.ID] = r
}

// PutRegistration stores reg without a version check.
func (s *Store) PutRegistration(reg models.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.ID] = reg
}

// Registration returns the stored copy, or the zero value.
func (s *Store) Registration(id string) models.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[id]
}
