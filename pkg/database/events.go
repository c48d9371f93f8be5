package database

import "github.com/google/uuid"

// Event is a change a connected user should be told about. The set of events
// is closed; switch on the concrete type.
type Event interface {
	event()
}

type (
	// MessageReceived is raised to every member when a message is posted
	MessageReceived struct{ Message Message }
	MessageEdited   struct{ Message Message }
	MessageRead     struct{ Message Message }
	MessageUnread   struct{ Message Message }
	// MessageDeleted carries the message as it was before removal
	MessageDeleted struct{ Message Message }
	// ChannelAdded is raised to a user who joined a channel
	ChannelAdded struct{ Channel Channel }
	// ChannelUpdated is raised to members when a channel's name or membership changes
	ChannelUpdated struct{ Channel Channel }
	// UserUpdated is raised to the user whose profile changed
	UserUpdated struct{ User User }
)

func (MessageReceived) event() {}
func (MessageEdited) event()   {}
func (MessageRead) event()     {}
func (MessageUnread) event()   {}
func (MessageDeleted) event()  {}
func (ChannelAdded) event()    {}
func (ChannelUpdated) event()  {}
func (UserUpdated) event()     {}

// Notifier receives events addressed to a single user. It is never called with
// a table lock held.
type Notifier interface {
	Notify(user uuid.UUID, ev Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(user uuid.UUID, ev Event)

func (f NotifierFunc) Notify(user uuid.UUID, ev Event) { f(user, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(uuid.UUID, Event) {}
