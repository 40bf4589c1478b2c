package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Seed is the on-disk shape of a directory file. JSON is accepted as well
// since it is valid YAML.
type Seed struct {
	Clients       []Client       `yaml:"clients"`
	Bookings      []Booking      `yaml:"bookings"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

var _ Provider = (*Memory)(nil)

// Memory is a mutex-guarded Provider. The Put methods exist for seeding and
// for the host application's domain services.
type Memory struct {
	mu      sync.RWMutex
	clients map[string]Client
	book    map[string]Booking
	subs    map[string]Subscription
}

func NewMemory() *Memory {
	return &Memory{
		clients: map[string]Client{},
		book:    map[string]Booking{},
		subs:    map[string]Subscription{},
	}
}

// LoadFile builds a Memory provider from a YAML or JSON seed file.
func LoadFile(path string) (*Memory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("directory seed %s: %w", path, err)
	}
	m := NewMemory()
	if err := m.Load(s); err != nil {
		return nil, fmt.Errorf("directory seed %s: %w", path, err)
	}
	return m, nil
}

// Load adds every record of s, rejecting records without an id.
func (m *Memory) Load(s Seed) error {
	for i, c := range s.Clients {
		if c.ID == "" {
			return fmt.Errorf("clients[%d]: missing id", i)
		}
		m.PutClient(c)
	}
	for i, b := range s.Bookings {
		if b.ID == "" || b.ClientID == "" {
			return fmt.Errorf("bookings[%d]: missing id or client_id", i)
		}
		m.PutBooking(b)
	}
	for i, sub := range s.Subscriptions {
		if sub.ID == "" || sub.ClientID == "" {
			return fmt.Errorf("subscriptions[%d]: missing id or client_id", i)
		}
		m.PutSubscription(sub)
	}
	return nil
}

func (m *Memory) PutClient(c Client) {
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
}

func (m *Memory) PutBooking(b Booking) {
	m.mu.Lock()
	m.book[b.ID] = b
	m.mu.Unlock()
}

func (m *Memory) PutSubscription(s Subscription) {
	m.mu.Lock()
	m.subs[s.ID] = s
	m.mu.Unlock()
}

// DeleteClient removes a client; later lookups return ErrNotFound.
func (m *Memory) DeleteClient(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

func (m *Memory) DeleteSubscription(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

func (m *Memory) Client(_ context.Context, id string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return Client{}, fmt.Errorf("client %q: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) Booking(_ context.Context, id string) (Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.book[id]
	if !ok {
		return Booking{}, fmt.Errorf("booking %q: %w", id, ErrNotFound)
	}
	return b, nil
}

func (m *Memory) Subscription(_ context.Context, id string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("subscription %q: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) BookingsBetween(_ context.Context, from, to time.Time) ([]Booking, error) {
	m.mu.RLock()
	out := make([]Booking, 0)
	for _, b := range m.book {
		if !b.Status.Active() || b.ClassStart.Before(from) || !b.ClassStart.Before(to) {
			continue
		}
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].ClassStart.Equal(out[k].ClassStart) {
			return out[i].ClassStart.Before(out[k].ClassStart)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (m *Memory) SubscriptionsExpiringBefore(_ context.Context, t time.Time) ([]Subscription, error) {
	m.mu.RLock()
	out := make([]Subscription, 0)
	for _, s := range m.subs {
		if s.Status != SubscriptionActive || !s.EndDate.Before(t) {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].EndDate.Equal(out[k].EndDate) {
			return out[i].EndDate.Before(out[k].EndDate)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}
