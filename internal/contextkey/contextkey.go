// Package contextkey centralizes the context.Context key types used to
// thread request- and connection-scoped identifiers through the stack
// without risking collisions with keys from other packages.
package contextkey

type key int

const (
	// ContextKeyRequestID carries the uuid.UUID assigned to an inbound HTTP request.
	ContextKeyRequestID key = iota
	// ContextKeyConnectionID carries the uuid.UUID assigned to a websocket connection.
	ContextKeyConnectionID
	// ContextKeyRoomID carries the room id a command or event is scoped to.
	ContextKeyRoomID
)
