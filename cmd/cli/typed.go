package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"regexp"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/schoolsync/internal/model"
)

// Entity types written by the typed commands.
const (
	entityBooking = "booking"
	entityProfile = "profile"
)

// ------- generic builders -------

func pretty(b []byte) string {
	var out any
	if json.Unmarshal(b, &out) == nil {
		j, _ := json.MarshalIndent(out, "", "  ")
		return string(j)
	}
	return string(b)
}

// bookingPayload is the body of a lesson booking.
type bookingPayload struct {
	StartsAt     time.Time `json:"startsAt"`
	Minutes      int       `json:"minutes"`
	InstructorID string    `json:"instructorId"`
	Note         string    `json:"note,omitempty"`
}

// ------- validators -------

func autoUUID(id *string) {
	if *id == "" {
		v, _ := u.NewV4()
		*id = v.String()
	}
}

var reField = regexp.MustCompile(`^[a-z][a-zA-Z0-9_]{0,63}$`)

func validField(name string) bool { return reField.MatchString(name) }

// parseSlot accepts RFC 3339 and requires a future lesson start.
func parseSlot(s string, now time.Time) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad -at (want RFC 3339): %w", err)
	}
	if !t.After(now) {
		return time.Time{}, fmt.Errorf("-at %s is in the past", s)
	}
	return t.UTC(), nil
}

// ------- builders -------

func buildBooking(args []string, now time.Time) (model.QueuedOperation, error) {
	fs := flag.NewFlagSet("book", flag.ContinueOnError)
	id := fs.String("id", "", "booking id (uuid, optional)")
	at := fs.String("at", "", "lesson start, RFC 3339")
	minutes := fs.Int("minutes", 90, "lesson length in minutes")
	instructor := fs.String("instructor", "", "instructor id")
	note := fs.String("note", "", "note for the instructor")
	if err := parseFlags(fs, args); err != nil {
		return model.QueuedOperation{}, err
	}
	if *at == "" || *instructor == "" {
		return model.QueuedOperation{}, usageErr("book: need -at and -instructor")
	}
	if *minutes <= 0 || *minutes > 240 {
		return model.QueuedOperation{}, usageErr("book: -minutes must be in 1..240")
	}
	start, err := parseSlot(*at, now)
	if err != nil {
		return model.QueuedOperation{}, usageErr("book: %v", err)
	}
	// client-chosen id keeps an offline booking addressable before it syncs
	autoUUID(id)
	raw, err := json.Marshal(bookingPayload{StartsAt: start, Minutes: *minutes, InstructorID: *instructor, Note: *note})
	if err != nil {
		return model.QueuedOperation{}, err
	}
	return model.QueuedOperation{Operation: model.OpCreate, EntityType: entityBooking, EntityID: *id, Payload: raw}, nil
}

func buildCancel(args []string) (model.QueuedOperation, error) {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	id := fs.String("id", "", "booking id")
	if err := parseFlags(fs, args); err != nil {
		return model.QueuedOperation{}, err
	}
	if *id == "" {
		return model.QueuedOperation{}, usageErr("cancel: need -id")
	}
	return model.QueuedOperation{Operation: model.OpDelete, EntityType: entityBooking, EntityID: *id}, nil
}

func buildProfile(args []string) (model.QueuedOperation, error) {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	field := fs.String("field", "", "profile field name")
	value := fs.String("value", "", "new value")
	if err := parseFlags(fs, args); err != nil {
		return model.QueuedOperation{}, err
	}
	if !validField(*field) {
		return model.QueuedOperation{}, usageErr("profile: bad -field %q", *field)
	}
	raw, err := json.Marshal(map[string]string{"value": *value})
	if err != nil {
		return model.QueuedOperation{}, err
	}
	return model.QueuedOperation{Operation: model.OpUpdate, EntityType: entityProfile, EntityID: *field, Payload: raw}, nil
}

// ------- commands -------

func (a *app) book(ctx context.Context, args []string) error {
	op, err := buildBooking(args, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(a.err, "booking", op.EntityID)
	return a.send(ctx, op)
}

func (a *app) cancel(ctx context.Context, args []string) error {
	op, err := buildCancel(args)
	if err != nil {
		return err
	}
	return a.send(ctx, op)
}

func (a *app) profile(ctx context.Context, args []string) error {
	op, err := buildProfile(args)
	if err != nil {
		return err
	}
	return a.send(ctx, op)
}
