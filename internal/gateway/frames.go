package gateway

// Inbound socket frames form a closed set: one type tag routes to exactly
// one payload shape, matched exhaustively in the connection loop.

const (
	frameAuth    = "auth"
	frameInit    = "init"
	frameTyping  = "typing"
	frameMessage = "message"
)

type envelope struct {
	Type string `json:"type"`
}

type authFrame struct {
	Token string `json:"token"`
}

type initFrame struct {
	Site string `json:"site"`
	// Clients may send a visitor id here; it is deliberately ignored. The
	// visitor identity comes from the verified token subject only.
	VisitorID string `json:"visitorId,omitempty"`
}

type messageFrame struct {
	Content string `json:"content"`
}

type authOKReply struct {
	Type string `json:"type"`
}

type initReply struct {
	Type      string `json:"type"`
	VisitorID string `json:"visitorId"`
}
