package idm

import "fmt"

// endpoints builds the upstream IdM's administrative REST URLs for one realm.
//
// Role endpoints are keyed by the OAuth client's *internal* id (a UUID the
// IdM assigns), not the public client identifier. Client.clientInternalID
// resolves that indirection once; every URL below taking internalClientID
// expects the resolved value.
type endpoints struct {
	base  string
	realm string
}

func (e endpoints) clients(publicClientID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/clients?clientId=%s", e.base, e.realm, publicClientID)
}

func (e endpoints) users() string {
	return fmt.Sprintf("%s/admin/realms/%s/users", e.base, e.realm)
}

func (e endpoints) usersByQuery(query string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users?%s", e.base, e.realm, query)
}

func (e endpoints) user(userID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users/%s", e.base, e.realm, userID)
}

func (e endpoints) resetPassword(userID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users/%s/reset-password", e.base, e.realm, userID)
}

func (e endpoints) clientRoles(internalClientID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/clients/%s/roles", e.base, e.realm, internalClientID)
}

func (e endpoints) roleByID(roleID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/roles-by-id/%s", e.base, e.realm, roleID)
}

func (e endpoints) userClientRoleMappings(userID, internalClientID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users/%s/role-mappings/clients/%s", e.base, e.realm, userID, internalClientID)
}

func (e endpoints) userSessions(userID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users/%s/sessions", e.base, e.realm, userID)
}

func (e endpoints) userLogout(userID string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users/%s/logout", e.base, e.realm, userID)
}

func (e endpoints) federatedIdentity(userID, provider string) string {
	return fmt.Sprintf("%s/admin/realms/%s/users/%s/federated-identity/%s", e.base, e.realm, userID, provider)
}
