package bridge

// Message is the wire envelope in both directions. Inbound messages carry
// an action name and params; outbound messages carry parameters or an
// error. The id is an opaque correlation token echoed unchanged in the
// response to a request.
type Message struct {
	ID         string `json:"id"`
	Action     string `json:"action,omitempty"`
	Params     Params `json:"params,omitempty"`
	Parameters Params `json:"parameters,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IsRequest reports whether the message names an action to invoke.
func (m Message) IsRequest() bool { return m.Action != "" }

// Request is an inbound action invocation.
type Request struct {
	ID     string
	Action string
	Params Params
}

// Response is the correlated result of a request. Exactly one response is
// produced per request id; Parameters and Error are mutually exclusive.
type Response struct {
	ID         string
	Parameters Params
	Error      string
}

// message converts the response to its wire form.
func (r Response) message() Message {
	return Message{ID: r.ID, Parameters: r.Parameters, Error: r.Error}
}

// Handshake is the payload re-sent to the web content after every completed
// navigation.
type Handshake struct {
	Locale          string `json:"locale"`
	Region          string `json:"region"`
	RTL             bool   `json:"rtl"`
	ProtocolVersion int    `json:"protocolVersion"`
	SessionID       string `json:"sessionId"`
}
