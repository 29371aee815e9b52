package domain

import (
	"time"
)

// Permission names a right granted to a connection by its token role.
type Permission string

const (
	PermissionPublish         Permission = "publish"
	PermissionSubscribe       Permission = "subscribe"
	PermissionSignal          Permission = "signal"
	PermissionForceDisconnect Permission = "forceDisconnect"
	PermissionForceUnpublish  Permission = "forceUnpublish"
)

// DestroyReason explains why a connection or stream went away.
type DestroyReason string

const (
	ReasonClientDisconnected  DestroyReason = "clientDisconnected"
	ReasonForceDisconnected   DestroyReason = "forceDisconnected"
	ReasonNetworkDisconnected DestroyReason = "networkDisconnected"
	ReasonNetworkTimedout     DestroyReason = "networkTimedout"
	ReasonForceUnpublished    DestroyReason = "forceUnpublished"
	ReasonMediaStopped        DestroyReason = "mediaStopped"
)

// Capabilities is the boolean view over a connection's permissions.
type Capabilities struct {
	Publish         bool
	Subscribe       bool
	Signal          bool
	ForceDisconnect bool
	ForceUnpublish  bool
}

// Connection is one participant in a session.
type Connection struct {
	ID           string
	CreationTime time.Time
	Data         string
	// Permissions is nil when the server has not told us.
	Permissions []Permission
}

// Key implements Entity.
func (c *Connection) Key() string { return c.ID }

// PermissionsKnown reports whether the server sent a permission list.
func (c *Connection) PermissionsKnown() bool {
	return c.Permissions != nil
}

// Has reports whether the connection was granted p.
func (c *Connection) Has(p Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// Capabilities derives the capability set from Permissions.
func (c *Connection) Capabilities() Capabilities {
	return Capabilities{
		Publish:         c.Has(PermissionPublish),
		Subscribe:       c.Has(PermissionSubscribe),
		Signal:          c.Has(PermissionSignal),
		ForceDisconnect: c.Has(PermissionForceDisconnect),
		ForceUnpublish:  c.Has(PermissionForceUnpublish),
	}
}

// Permits reports whether p is allowed. Unknown permissions are treated as
// allowed so the server remains the final authority.
func (c *Connection) Permits(p Permission) bool {
	return !c.PermissionsKnown() || c.Has(p)
}
