// Package internal contains message payloads and fixtures shared by tests.
package internal

import "github.com/get-eventually/go-eventually-subscriptions/message"

// IntPayload represents a generic integer message payload
// that can be used in test functions.
type IntPayload int64

// Name is the payload name of the IntPayload type.
func (IntPayload) Name() string { return "int_payload" }

// StringPayload represents a generic string message payload
// that can be used in test functions.
type StringPayload string

// Name is the payload name of the StringPayload type.
func (StringPayload) Name() string { return "string_payload" }

// UserCreated is a JSON-friendly domain event payload used in tests.
type UserCreated struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Name is the payload name of the UserCreated type.
func (*UserCreated) Name() string { return UserCreatedType }

// UserCreatedType is the event type of UserCreated.
const UserCreatedType = "UserCreated"

var (
	_ message.Message = IntPayload(0)
	_ message.Message = StringPayload("")
	_ message.Message = new(UserCreated)
)
