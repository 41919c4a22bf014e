package domain

import "maps"

// Variables is the set of contextual variables visible to one scope.
type Variables map[string]any

// Clone returns a shallow copy of the variable set. A nil set clones to an empty one.
func (v Variables) Clone() Variables {
	clone := make(Variables, len(v))
	maps.Copy(clone, v)
	return clone
}

// Get returns the named variable.
func (v Variables) Get(name string) (any, bool) {
	value, ok := v[name]
	return value, ok
}

// Message is the business payload carried by an event.
type Message struct {
	Payload    any
	Attributes map[string]any
}

// Attribute returns a message attribute by name.
func (m Message) Attribute(name string) (any, bool) {
	value, ok := m.Attributes[name]
	return value, ok
}

// WithAttribute returns a copy of the message with one attribute set.
func (m Message) WithAttribute(name string, value any) Message {
	attrs := make(map[string]any, len(m.Attributes)+1)
	maps.Copy(attrs, m.Attributes)
	attrs[name] = value
	m.Attributes = attrs
	return m
}

// Event is the unit of data flowing through a policy chain.
//
// Events are values. Every derivation helper returns a new event and copies the
// maps it changes, so a published event is never mutated by a later stage.
type Event struct {
	ID            string
	CorrelationID string
	TransactionID string
	Message       Message
	Variables     Variables
	Err           error
	// Component identifies the policy or protected logic that last produced this event.
	Component string
}

// WithMessage returns a copy of the event carrying msg.
func (e Event) WithMessage(msg Message) Event {
	e.Message = msg
	return e
}

// WithVariables returns a copy of the event whose visible variables are a clone of vars.
func (e Event) WithVariables(vars Variables) Event {
	e.Variables = vars.Clone()
	return e
}

// WithVariable returns a copy of the event with one variable set.
func (e Event) WithVariable(name string, value any) Event {
	vars := e.Variables.Clone()
	vars[name] = value
	e.Variables = vars
	return e
}

// WithoutVariable returns a copy of the event with one variable removed.
func (e Event) WithoutVariable(name string) Event {
	if _, ok := e.Variables[name]; !ok {
		return e
	}
	vars := e.Variables.Clone()
	delete(vars, name)
	e.Variables = vars
	return e
}

// WithError returns a copy of the event with the error slot set.
func (e Event) WithError(err error) Event {
	e.Err = err
	return e
}

// TouchedBy returns a copy of the event attributed to component.
func (e Event) TouchedBy(component string) Event {
	e.Component = component
	return e
}

// InTransaction reports whether the event belongs to an active transaction.
func (e Event) InTransaction() bool {
	return e.TransactionID != ""
}
