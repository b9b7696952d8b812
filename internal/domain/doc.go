// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (device.go, subscriber.go, event.go, errors.go) hold shared
// types and the narrow collaborator contracts the hub consumes. No implementation code.
// Keeps interfaces on the consumer side and prevents circular imports.
package domain
