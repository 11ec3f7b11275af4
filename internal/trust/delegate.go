package trust

// AgentDelegate is the port to the OS trust agent that holds escrow tokens.
// The delegate binding is transient: the agent process may restart at any
// time, so a delegate can detach and a new one attach later. All pending
// work must survive delegate absence and resume on reattachment.
//
// AddEscrowToken is asynchronous on the agent side: the result arrives
// later through Manager.OnEscrowTokenAdded and OnEscrowTokenActivated.
type AgentDelegate interface {
	// AddEscrowToken asks the agent to register a token for a user.
	// The agent reports completion via OnEscrowTokenAdded and, after the
	// driver confirms their credentials, OnEscrowTokenActivated.
	AddEscrowToken(token []byte, userID int) error

	// RemoveEscrowToken invalidates a previously activated token.
	RemoveEscrowToken(handle int64, userID int) error

	// UnlockUserWithToken unlocks a user session with a trusted device's
	// token and handle.
	UnlockUserWithToken(token []byte, handle int64, userID int) error
}
