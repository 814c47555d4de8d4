// Package supervisor runs the local HTTP service: it binds the listener,
// opens the browser on a session URL, and stops the service when the page
// goes away.
//
// In local mode the listener is bound to 127.0.0.1 and any connection whose
// remote address is not loopback is closed on accept. Liveness is tracked
// through page heartbeats; network mode disables both the browser launch and
// the liveness shutdown.
package supervisor
