package statemachine

import "github.com/felixgeelhaar/statekit"

// guardHasDigest refuses to publish bytes that were never staged.
// Guards receive the context by value; the context is *Context.
func guardHasDigest(ctx *Context, _ statekit.Event) bool {
	return ctx != nil && ctx.Digest != ""
}

// guardHasReason requires every rejection to name its cause.
func guardHasReason(_ *Context, event statekit.Event) bool {
	return payloadOf(event).Reason != ""
}
