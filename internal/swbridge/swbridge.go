// Package swbridge models the remote-service-worker WebSocket bridge as an
// interface the portal can hold, per spec's explicit Non-goal: the bridge's
// wire protocol and emulation semantics are out of scope, and the portal
// only needs something to hand an upgraded connection to.
package swbridge

import (
	"errors"
	"net/http"
)

// ErrNotImplemented is returned by Stub for every upgrade attempt.
var ErrNotImplemented = errors.New("swbridge: remote service worker bridge not implemented")

// Bridge hands off an upgraded /__revamp__/sw/remote connection.
type Bridge interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request) error
}

// Stub is a Bridge that always responds 501, used until a real bridge is
// wired in.
type Stub struct{}

// HandleUpgrade writes a 501 Not Implemented response and returns
// ErrNotImplemented.
func (Stub) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	http.Error(w, "remote service worker bridge not implemented", http.StatusNotImplemented)
	return ErrNotImplemented
}
