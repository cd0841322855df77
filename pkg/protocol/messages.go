package protocol

import (
	"github.com/polisai/polis-relay/pkg/domain"
)

// Control-channel events.
const (
	EventAuth               = "auth"
	EventAuthResult         = "authResult"
	EventAuthFailed         = "authFailed"
	EventIsAlive            = "isAlive"
	EventRemoteServerOpen   = "remoteServerOpen"
	EventRemoteServerClosed = "remoteServerClosed"
	EventAppServerRelease   = "appServerRelease"
	EventAppServerClosed    = "appServerClosed"
	EventBusy               = "busy"
	EventNeedGetaway        = "needGetaway"
)

// Descriptor socket replies.
const (
	EventAccepted = "accepted"
	EventRejected = "rejected"
	EventAnchored = "anchored"
)

// AuthRequest opens an agent session.
type AuthRequest struct {
	Agent   string   `json:"agent"`
	Token   string   `json:"token"`
	Servers []string `json:"servers"`
	Machine string   `json:"machine"`
}

// AuthResult is returned to an admitted agent.
type AuthResult struct {
	ID               string   `json:"id"`
	Referer          string   `json:"referer"`
	AvailableServers []string `json:"availableServers"`
}

// Rejection carries a coded failure reason.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectionOf converts err into a wire rejection.
func RejectionOf(err error) Rejection {
	code := domain.CodeOf(err)
	if code == "" {
		code = domain.CodeMalformedFrame
	}
	return Rejection{Code: code, Message: err.Error()}
}

// Err converts the rejection back into a relay error.
func (r Rejection) Err() error {
	kind := domain.KindProtocol
	switch r.Code {
	case domain.CodeMissingField, domain.CodeInvalidToken, domain.CodeInactiveToken,
		domain.CodeMachineMismatch, domain.CodeDuplicateSession, domain.CodeUnauthorized, domain.CodeRateLimited:
		kind = domain.KindAuth
	case domain.CodePermissionDenied:
		kind = domain.KindPermission
	case domain.CodeUnknownDomain, domain.CodeUnknownApplication, domain.CodeServerOffline:
		kind = domain.KindResolution
	case domain.CodeRequestTimeout, domain.CodeLivenessTimeout, domain.CodeDemandDecay:
		kind = domain.KindTimeout
	}
	return &domain.Error{Kind: kind, Code: r.Code, Message: r.Message}
}

// Probe is the isAlive challenge and its echo. The broker sends only Code;
// the agent echoes Code together with its session referer.
type Probe struct {
	Code    string `json:"code"`
	Referer string `json:"referer,omitempty"`
}

// ServerEvent announces a peer coming online or going away.
type ServerEvent struct {
	Server string `json:"server"`
}

// AppEvent announces an application or a grant change.
type AppEvent struct {
	Server      string             `json:"server,omitempty"`
	Application domain.Application `json:"application"`
}

// AppClosed withdraws an application.
type AppClosed struct {
	Server string `json:"server,omitempty"`
	App    string `json:"app"`
}

// BusyEvent tells an agent one of its offered slots was consumed.
type BusyEvent struct {
	App    string `json:"app"`
	SlotID string `json:"slotId"`
}

// NeedGetaway tells an agent a requester is parked for one of its applications.
type NeedGetaway struct {
	App string `json:"app"`
}

// RedirectDescriptor is the first frame on a requester socket.
type RedirectDescriptor struct {
	Server      string `json:"server"`
	App         string `json:"app"`
	AuthReferer string `json:"authReferer"`
	AuthID      string `json:"authId"`
	Origin      string `json:"origin"`
	Machine     string `json:"machine"`
}

// Identity returns the session identity presented by the descriptor.
func (d RedirectDescriptor) Identity() domain.Identity {
	return domain.Identity{ID: d.AuthID, Referer: d.AuthReferer, Machine: d.Machine}
}

// Pair returns the target bucket.
func (d RedirectDescriptor) Pair() domain.Pair {
	return domain.Pair{Server: d.Server, Application: d.App}
}

// Missing returns the name of the first empty required field.
func (d RedirectDescriptor) Missing() string {
	switch {
	case d.Server == "":
		return "server"
	case d.App == "":
		return "app"
	case d.AuthReferer == "":
		return "authReferer"
	case d.AuthID == "":
		return "authId"
	case d.Origin == "":
		return "origin"
	case d.Machine == "":
		return "machine"
	}
	return ""
}

// OfferDescriptor is the first frame on an agent-offered getaway socket.
type OfferDescriptor struct {
	RedirectDescriptor
	Grants []string `json:"grants"`
	SlotID string   `json:"slotId"`
}

// Missing returns the name of the first empty required field.
func (d OfferDescriptor) Missing() string {
	if field := d.RedirectDescriptor.Missing(); field != "" {
		return field
	}
	if d.SlotID == "" {
		return "slotId"
	}
	return ""
}
