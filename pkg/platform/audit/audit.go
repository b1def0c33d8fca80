// Package audit captures security-relevant gateway actions as structured
// events. Events are emitted from domain logic and fanned out to a pluggable
// store (in-memory for dev, postgres or kafka in production).
package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose. Categories
// drive retention and routing downstream, not gateway behavior.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance, such
	// as account provisioning and privilege changes.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events that feed monitoring and alerting.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Action names a kind of audited gateway activity.
type Action string

const (
	ActionTokenIssued    Action = "token_issued"
	ActionTokenRefreshed Action = "token_refreshed"
	ActionAuthFailed     Action = "auth_failed"
	ActionLogout         Action = "logout"

	ActionThrottleLimited Action = "throttle_limited"

	ActionUserCreated   Action = "user_created"
	ActionPasswordReset Action = "password_reset"

	ActionRoleCreated  Action = "role_created"
	ActionRoleModified Action = "role_modified"
	ActionRoleDeleted  Action = "role_deleted"
	ActionRoleAssigned Action = "role_assigned"
	ActionRoleRemoved  Action = "role_removed"

	ActionSessionsTerminated Action = "sessions_terminated"

	ActionFederatedLogin       Action = "federated_login"
	ActionFederatedLinkCreated Action = "federated_link_created"
	ActionImpersonationIssued  Action = "impersonation_issued"
)

var actionCategories = map[Action]EventCategory{
	ActionUserCreated:          CategoryCompliance,
	ActionRoleCreated:          CategoryCompliance,
	ActionRoleModified:         CategoryCompliance,
	ActionRoleDeleted:          CategoryCompliance,
	ActionRoleAssigned:         CategoryCompliance,
	ActionRoleRemoved:          CategoryCompliance,
	ActionFederatedLinkCreated: CategoryCompliance,

	ActionAuthFailed:          CategorySecurity,
	ActionThrottleLimited:     CategorySecurity,
	ActionPasswordReset:       CategorySecurity,
	ActionSessionsTerminated:  CategorySecurity,
	ActionImpersonationIssued: CategorySecurity,

	ActionTokenIssued:    CategoryOperations,
	ActionTokenRefreshed: CategoryOperations,
	ActionLogout:         CategoryOperations,
	ActionFederatedLogin: CategoryOperations,
}

// Category returns the category for this action. Unknown actions default to
// CategoryOperations.
func (a Action) Category() EventCategory {
	if cat, ok := actionCategories[a]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is one audited gateway action.
type Event struct {
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	Action    Action        `json:"action"`
	// UserID is the upstream id of the user the action concerns.
	UserID string `json:"user_id,omitempty"`
	// Username covers events where only the presented login name is known,
	// such as failed password grants.
	Username string `json:"username,omitempty"`
	// ActorID is who performed the action when acting on another's account.
	ActorID  string `json:"actor_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// RequestID correlates the event with request logs.
	RequestID string `json:"request_id,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
