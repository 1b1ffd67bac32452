// Package orderstate holds the order lifecycle. Transition is a pure
// function: callers pass the current status and a request and get back the
// next status plus the side effects to run. Executor runs those effects inside
// the same transaction that persists the new status.
package orderstate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
)

// Actor identifies who asks for a transition.
type Actor string

const (
	ActorPayment Actor = "payment"
	ActorAdmin   Actor = "admin"
)

type EffectKind string

const (
	// EffectDeductStock decrements stock for every order item, consuming the
	// reservation taken at checkout.
	EffectDeductStock EffectKind = "deduct_stock"
	// EffectReleaseReservation returns reserved units of a pending order.
	EffectReleaseReservation EffectKind = "release_reservation"
	// EffectEmitEvent appends a domain event to the outbox.
	EffectEmitEvent EffectKind = "emit_event"
)

type Effect struct {
	Kind  EffectKind
	Event string
}

type Request struct {
	Target         models.OrderStatus
	Actor          Actor
	TrackingNumber string
}

type Result struct {
	From           models.OrderStatus
	Next           models.OrderStatus
	TrackingNumber *string
	Effects        []Effect
}

const (
	EventOrderConfirmed = "order.confirmed"
	EventOrderShipped   = "order.shipped"
	EventOrderDelivered = "order.delivered"
	EventOrderCancelled = "order.cancelled"
)

// MaxTrackingLength is the longest tracking number an order can store.
const MaxTrackingLength = 100

type edge struct {
	from, to models.OrderStatus
}

type rule struct {
	actor    Actor
	effects  []EffectKind
	event    string
	tracking bool
}

var rules = map[edge]rule{
	{models.OrderStatusPending, models.OrderStatusConfirmed}: {
		actor:   ActorPayment,
		effects: []EffectKind{EffectDeductStock},
		event:   EventOrderConfirmed,
	},
	{models.OrderStatusConfirmed, models.OrderStatusShipped}: {
		actor:    ActorAdmin,
		event:    EventOrderShipped,
		tracking: true,
	},
	{models.OrderStatusShipped, models.OrderStatusDelivered}: {
		actor: ActorAdmin,
		event: EventOrderDelivered,
	},
	{models.OrderStatusPending, models.OrderStatusCancelled}: {
		actor:   ActorAdmin,
		effects: []EffectKind{EffectReleaseReservation},
		event:   EventOrderCancelled,
	},
	// Stock already deducted for a confirmed order is not restored.
	{models.OrderStatusConfirmed, models.OrderStatusCancelled}: {
		actor: ActorAdmin,
		event: EventOrderCancelled,
	},
}

var statuses = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusConfirmed,
	models.OrderStatusShipped,
	models.OrderStatusDelivered,
	models.OrderStatusCancelled,
}

// ParseStatus accepts the five known statuses, case-insensitively.
func ParseStatus(raw string) (models.OrderStatus, error) {
	candidate := models.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range statuses {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", database.ErrInvalidStatus, raw)
}

// CanTransition reports whether some actor may move an order from one
// status to the other.
func CanTransition(from, to models.OrderStatus) bool {
	_, ok := rules[edge{from, to}]
	return ok
}

// Transition validates req against the current status. On success the
// returned Result lists the effects in the order they must be executed; the
// event effect always comes last.
func Transition(current models.OrderStatus, req Request) (Result, error) {
	r, ok := rules[edge{current, req.Target}]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, current, req.Target)
	}
	if r.actor != req.Actor {
		return Result{}, fmt.Errorf("%w: %s -> %s is not allowed for %s",
			database.ErrInvalidTransition, current, req.Target, req.Actor)
	}

	res := Result{From: current, Next: req.Target}

	if r.tracking {
		tracking := strings.TrimSpace(req.TrackingNumber)
		if tracking == "" {
			return Result{}, database.ErrTrackingRequired
		}
		if utf8.RuneCountInString(tracking) > MaxTrackingLength {
			return Result{}, fmt.Errorf("%w: tracking number longer than %d characters", database.ErrInvalidInput, MaxTrackingLength)
		}
		res.TrackingNumber = &tracking
	}

	for _, kind := range r.effects {
		res.Effects = append(res.Effects, Effect{Kind: kind})
	}
	res.Effects = append(res.Effects, Effect{Kind: EffectEmitEvent, Event: r.event})

	return res, nil
}
