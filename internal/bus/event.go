// Package bus is the in-process event and command fabric connecting services
// (backend adapters) to middlewares (policy). The Bus is the sole consumer of
// both the event channel and the command channel, supervises service tasks
// with exponential backoff, and runs each service's middleware pipeline in
// declared order.
package bus

import "time"

// ServiceID identifies one registered service. Opaque, non-empty, unique
// within a process.
type ServiceID string

func (id ServiceID) String() string { return string(id) }

// User is one entry of a UserListUpdate.
type User struct {
	ID          string
	Username    string
	DisplayName string
	IsActive    bool
	IsSelf      bool
}

// Event is an observable fact reported by a service. Immutable after creation.
type Event struct {
	ServiceID ServiceID
	Kind      EventKind
}

// EventKind is the closed set of event variants. Middlewares type-switch on it.
type EventKind interface{ isEventKind() }

// DirectMessage is a one-to-one message seen by the service.
type DirectMessage struct {
	UserID            string
	Body              string
	IsLocalUser       bool
	SenderID          string
	SenderDisplayName string // empty when the backend has no display name
	IsSelf            bool
}

// RoomMessage is a message in a multi-user room or channel.
type RoomMessage struct {
	RoomID            string
	Body              string
	IsLocalUser       bool
	SenderID          string
	SenderDisplayName string
	IsSelf            bool
}

// UserListUpdate carries the full current user roster of the source backend.
// At most one entry has IsSelf set.
type UserListUpdate struct {
	Users []User
}

// ServiceDisconnected is synthesized by the Bus when a service run exits
// unexpectedly.
type ServiceDisconnected struct {
	Reason  string
	Attempt uint32
}

// ServiceReconnecting is synthesized by the Bus before a backoff sleep.
type ServiceReconnecting struct {
	Attempt uint32
	Delay   time.Duration
}

// ServiceReconnected is synthesized by the Bus once a previously failing
// service has stayed up long enough to be considered recovered.
type ServiceReconnected struct {
	Downtime      time.Duration
	TotalAttempts uint32
}

func (DirectMessage) isEventKind()       {}
func (RoomMessage) isEventKind()         {}
func (UserListUpdate) isEventKind()      {}
func (ServiceDisconnected) isEventKind() {}
func (ServiceReconnecting) isEventKind() {}
func (ServiceReconnected) isEventKind()  {}

// KindName returns a short tag for logging.
func KindName(k EventKind) string {
	switch k.(type) {
	case DirectMessage:
		return "direct_message"
	case RoomMessage:
		return "room_message"
	case UserListUpdate:
		return "user_list_update"
	case ServiceDisconnected:
		return "service_disconnected"
	case ServiceReconnecting:
		return "service_reconnecting"
	case ServiceReconnected:
		return "service_reconnected"
	default:
		return "unknown"
	}
}

// NewEventChannel creates the channel pair shared by all services (producers)
// and the Bus (sole consumer).
func NewEventChannel(capacity int) chan Event {
	return make(chan Event, capacity)
}
