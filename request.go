package shield

// Request is the security relevant view of an inbound or outbound operation.
type Request struct {
	// Action is the operation name, e.g. "indices:data/read/search".
	Action  string
	Indices []string
	// Origin is the remote address or "local".
	Origin string
	// Token is nil when the caller presented no credentials.
	Token AuthenticationToken
	// RunAs names a principal the caller wants to act as.
	RunAs string
	// ContinuationTokens are signed opaque tokens (scroll ids and the like)
	// the client is handing back.
	ContinuationTokens []string
	// System marks internal housekeeping requests, which bypass the realms.
	System bool
}

// Response carries the continuation tokens handed to the client.
type Response struct {
	ContinuationTokens []string
}
