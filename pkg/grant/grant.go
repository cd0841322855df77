// Package grant decides whether a peer agent may reach an application.
//
// ListPolicy applies the application's own grant list. RegoPolicy hands the
// same input to an OPA module so operators can layer extra rules on top.
package grant

import (
	"context"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Request is the input of a grant decision.
type Request struct {
	Origin      string   `json:"origin"`
	Server      string   `json:"server"`
	Application string   `json:"application"`
	Grants      []string `json:"grants"`
}

// Policy decides grant requests.
type Policy interface {
	Allow(ctx context.Context, req Request) (bool, error)
}

// ListPolicy allows a request when the grant list holds "*" or the origin.
type ListPolicy struct{}

func (ListPolicy) Allow(_ context.Context, req Request) (bool, error) {
	return domain.Allows(req.Grants, req.Origin), nil
}
