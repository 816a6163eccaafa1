package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// AgentID identifies the console operator; OrgID scopes every request.
// Authorization beyond role lookup is an external collaborator — this core
// only needs to know which agent is acting.
type Claims struct {
	jwt.RegisteredClaims

	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	Role    string `json:"role"`
}
