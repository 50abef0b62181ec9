// Package notify delivers alerts to a rider's emergency contacts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-watch/internal/models"
)

type Kind string

const (
	KindRideStarted Kind = "ride_started"
	KindDeviation   Kind = "deviation"
	KindPanic       Kind = "panic"
)

// Message is what a contact receives, plus the context it was raised in.
type Message struct {
	Kind           Kind         `json:"kind"`
	Title          string       `json:"title"`
	Body           string       `json:"body"`
	RideID         string       `json:"rideId"`
	Coord          models.Coord `json:"coord"`
	DistanceMeters float64      `json:"distanceMeters"`
}

// Notifier delivers one message to one contact handle. Implementations
// must honour ctx cancellation.
type Notifier interface {
	Notify(ctx context.Context, contact string, msg Message) error
}

func DeviationMessage(a models.AlertRecord) Message {
	return Message{
		Kind:           KindDeviation,
		Title:          "Ride Safety Alert",
		Body:           fmt.Sprintf("Rider left the safe zone (%.0f m off) at [%.5f, %.5f]", a.DistanceMeters, a.Coord.Lat, a.Coord.Lon),
		RideID:         a.RideID,
		Coord:          a.Coord,
		DistanceMeters: a.DistanceMeters,
	}
}

func PanicMessage(a models.AlertRecord) Message {
	return Message{
		Kind:   KindPanic,
		Title:  "Ride Safety Alert",
		Body:   fmt.Sprintf("Panic alert triggered at [%.5f, %.5f]", a.Coord.Lat, a.Coord.Lon),
		RideID: a.RideID,
		Coord:  a.Coord,
	}
}

func RideStartedMessage(r *models.RideState) Message {
	return Message{
		Kind:   KindRideStarted,
		Title:  "Ride Started",
		Body:   "Your contact started a ride. You will be alerted if they leave the safe route.",
		RideID: r.ID,
	}
}

// Multi fans one message out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, contact string, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, contact, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Transports flattens n into the notifiers that actually deliver, so a
// caller retrying a failed delivery does not resend through the others.
func Transports(n Notifier) []Notifier {
	m, ok := n.(Multi)
	if !ok {
		if n == nil {
			return nil
		}
		return []Notifier{n}
	}
	var out []Notifier
	for _, member := range m {
		out = append(out, Transports(member)...)
	}
	return out
}

// LogNotifier only records the alert. Used when no delivery transport is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, contact string, msg Message) error {
	l.Logger.Info("notification", "kind", msg.Kind, "ride_id", msg.RideID, "contact", contact, "title", msg.Title, "body", msg.Body)
	return nil
}
