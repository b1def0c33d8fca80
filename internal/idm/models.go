package idm

// Mirrors of the upstream IdM's administrative resources. None of these are
// persisted locally; they live only for the duration of a response.

// UserEntry is a user record as the upstream represents it.
type UserEntry struct {
	ID               string         `json:"id"`
	Username         string         `json:"username"`
	Email            string         `json:"email,omitempty"`
	EmailVerified    bool           `json:"emailVerified"`
	FirstName        string         `json:"firstName,omitempty"`
	LastName         string         `json:"lastName,omitempty"`
	CreatedTimestamp int64          `json:"createdTimestamp,omitempty"`
	Enabled          bool           `json:"enabled"`
	Totp             bool           `json:"totp,omitempty"`
	RequiredActions  []string       `json:"requiredActions,omitempty"`
	NotBefore        int64          `json:"notBefore,omitempty"`
	Access           map[string]any `json:"access,omitempty"`
}

// RoleEntry is a client role record.
type RoleEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite"`
	ClientRole  bool   `json:"clientRole"`
	ContainerID string `json:"containerId,omitempty"`
}

// UserSession is an active upstream session for a user.
type UserSession struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	UserID     string            `json:"userId"`
	IPAddress  string            `json:"ipAddress"`
	Start      int64             `json:"start"`
	LastAccess int64             `json:"lastAccess"`
	RememberMe bool              `json:"rememberMe"`
	Clients    map[string]string `json:"clients,omitempty"`
}

// FederatedIdentity links a local account to a third-party identity.
type FederatedIdentity struct {
	IdentityProvider string `json:"identityProvider"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
}

// credential is the upstream's password-credential payload.
type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// newUserPayload is the create-user request body.
type newUserPayload struct {
	Username        string       `json:"username"`
	Email           string       `json:"email,omitempty"`
	FirstName       string       `json:"firstName,omitempty"`
	LastName        string       `json:"lastName,omitempty"`
	EmailVerified   bool         `json:"emailVerified"`
	Enabled         bool         `json:"enabled"`
	Groups          []string     `json:"groups"`
	RequiredActions []string     `json:"requiredActions"`
	Credentials     []credential `json:"credentials,omitempty"`
}

// upstreamError is the admin API's error body shape.
type upstreamError struct {
	ErrorMessage string `json:"errorMessage,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (e upstreamError) message() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	if e.Error != "" {
		return e.Error
	}
	return "request rejected by identity provider"
}
