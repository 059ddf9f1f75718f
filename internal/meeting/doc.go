// Package meeting implements the client side of a video meeting: the
// session lifecycle (join, leave, device toggles), the registry of remote
// participants, the connection health monitor and the ephemeral in-call
// chat.
//
// The real-time transport and the capture devices are injected through the
// Channel and Devices interfaces, so a Session is tied to the view that owns
// it rather than to process-wide clients. All local tracks are owned by the
// Session and are closed on every exit path.
package meeting
