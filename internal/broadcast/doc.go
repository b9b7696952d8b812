// Package broadcast implements the per-device broadcast hub using the actor pattern.
//
// A single goroutine owns the subscription registry and processes join, leave, broadcast
// and roster commands from a channel (no mutexes). Every subscriber gets its own bounded
// FIFO queue drained by a dedicated writer goroutine, so a slow or severed connection only
// fails its own deliveries. Membership changes trigger a roster publication whose reverse
// lookups run off the loop and are applied in order.
package broadcast
