// Package domain defines the types shared by the relay broker and agents.
//
// This package has no dependencies outside the Go standard library. It holds
// the routing key (Pair), hosted applications and their grants, resolved
// domain bindings, getaway and session states, and the coded error taxonomy
// written into rejection frames.
//
// Other packages depend on domain; domain depends on nothing in this module.
package domain
