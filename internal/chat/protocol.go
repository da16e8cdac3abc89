package chat

// Wire format of the chat socket. Inbound is one user turn; outbound
// is a sequence of token events closed by exactly one end or error
// event per turn.

type Inbound struct {
	Message string `json:"message"`
	// Messages optionally carries a full client-side history in the
	// stateless mode; ignored on session-scoped connections.
	Messages []HistoryMessage `json:"messages,omitempty"`
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenEvent struct {
	Token string `json:"token"`
}

type EndEvent struct {
	End bool `json:"end"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}

// Conn is the transport seam; *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}
