// Package directory is the read-only view of studio records the reminder
// engine renders from: clients, class bookings and subscriptions.
package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("directory: not found")

type Client struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Phone      string `yaml:"phone" json:"phone"`
	TelegramID int64  `yaml:"telegram_id" json:"telegram_id"`
}

type BookingStatus string

const (
	BookingScheduled BookingStatus = "scheduled"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingAttended  BookingStatus = "attended"
)

// Active reports whether the booking still expects the client in class.
func (s BookingStatus) Active() bool {
	return s == "" || s == BookingScheduled || s == BookingConfirmed
}

type Booking struct {
	ID         string        `yaml:"id" json:"id"`
	ClientID   string        `yaml:"client_id" json:"client_id"`
	ClassStart time.Time     `yaml:"class_start" json:"class_start"`
	ClassType  string        `yaml:"class_type" json:"class_type"`
	Status     BookingStatus `yaml:"status" json:"status"`
}

type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionExhausted SubscriptionStatus = "exhausted"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	ID           string             `yaml:"id" json:"id"`
	ClientID     string             `yaml:"client_id" json:"client_id"`
	Type         string             `yaml:"type" json:"type"`
	TotalClasses int                `yaml:"total_classes" json:"total_classes"`
	UsedClasses  int                `yaml:"used_classes" json:"used_classes"`
	EndDate      time.Time          `yaml:"end_date" json:"end_date"`
	Status       SubscriptionStatus `yaml:"status" json:"status"`
}

// Remaining returns the number of unused classes, never negative.
func (s Subscription) Remaining() int {
	return max(s.TotalClasses-s.UsedClasses, 0)
}

// Provider resolves records by id. Implementations must be safe for
// concurrent use; the engine never writes through it.
type Provider interface {
	Client(ctx context.Context, id string) (Client, error)
	Booking(ctx context.Context, id string) (Booking, error)
	Subscription(ctx context.Context, id string) (Subscription, error)

	// BookingsBetween lists active bookings with from <= ClassStart < to.
	BookingsBetween(ctx context.Context, from, to time.Time) ([]Booking, error)
	// SubscriptionsExpiringBefore lists active subscriptions with EndDate < t.
	SubscriptionsExpiringBefore(ctx context.Context, t time.Time) ([]Subscription, error)
}
