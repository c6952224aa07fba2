// Package guest resolves the property and reservation context for a caller.
//
// The relay only consumes this context to seed the AI session's system
// prompt; the web application that manages properties, reservations, and the
// knowledge base owns the data. Lookup failures are soft — a call proceeds
// with an empty context rather than failing.
package guest

import (
	"context"
	"fmt"
	"strings"
)

// PropertyContext is the per-caller context injected into the AI system
// prompt. All fields may be empty when the lookup found nothing.
type PropertyContext struct {
	// PropertyID identifies the property the caller is staying at.
	PropertyID string

	// PropertyName is the property's display name.
	PropertyName string

	// GuestName is the reserving guest's name, when the caller's number
	// matches an active reservation.
	GuestName string

	// Prompt is free-text background (house rules, check-in details,
	// amenities) assembled by the lookup for the AI system prompt.
	Prompt string
}

// Empty reports whether the lookup found nothing for this caller.
func (p PropertyContext) Empty() bool {
	return p.PropertyID == "" && p.GuestName == "" && p.Prompt == ""
}

// Instructions renders the system prompt for the AI session. The base
// persona is constant; property and guest details are appended when known.
func (p PropertyContext) Instructions() string {
	var b strings.Builder
	b.WriteString("You are Veranda, a friendly phone concierge for vacation rental guests. ")
	b.WriteString("Keep answers short and conversational — this is a live phone call. ")
	b.WriteString("If you do not know something, offer to pass the question to the host.")
	if p.GuestName != "" {
		fmt.Fprintf(&b, "\nThe caller is %s.", p.GuestName)
	}
	if p.PropertyName != "" {
		fmt.Fprintf(&b, "\nThey are staying at %s.", p.PropertyName)
	}
	if p.Prompt != "" {
		b.WriteString("\nProperty details:\n")
		b.WriteString(p.Prompt)
	}
	return b.String()
}

// ContextLookup resolves the property context for an inbound caller.
// Implemented by [PostgresLookup] in production and [StaticLookup] in tests
// and local development.
type ContextLookup interface {
	// ContextForCaller returns the context for the given E.164 phone number.
	// A caller with no matching reservation yields an empty context and a
	// nil error; a non-nil error means the backing store was unreachable.
	ContextForCaller(ctx context.Context, phoneNumber string) (PropertyContext, error)
}

// StaticLookup serves a fixed context map keyed by phone number. Numbers not
// in the map resolve to the zero context.
type StaticLookup struct {
	Contexts map[string]PropertyContext
}

var _ ContextLookup = (*StaticLookup)(nil)

// ContextForCaller implements [ContextLookup].
func (s *StaticLookup) ContextForCaller(_ context.Context, phoneNumber string) (PropertyContext, error) {
	if s == nil || s.Contexts == nil {
		return PropertyContext{}, nil
	}
	return s.Contexts[phoneNumber], nil
}
