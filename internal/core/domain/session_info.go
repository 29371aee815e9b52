package domain

// SessionInfo is the bootstrap description of a session returned by the
// session info API.
type SessionInfo struct {
	SessionID          string
	PartnerID          string
	SessionStatus      string
	MessagingServerURL string
	MessagingURL       string
	SymphonyAddress    string
	P2PEnabled         bool
}
