package ws

// Message types pushed to telemetry clients.
const (
	TypeHello  = "hello"
	TypeLevel  = "level"
	TypeSource = "source"
	TypeFault  = "fault"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeError  = "error"
)

// Message is the JSON envelope for every websocket frame. Fields are
// omitted when unused by the message type.
type Message struct {
	Type string `json:"type"`
	// TS is a unix timestamp in milliseconds.
	TS int64 `json:"ts,omitempty"`

	// level
	DB *float64 `json:"db,omitempty"`

	// source, hello
	Label      string   `json:"label,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Muted      *bool    `json:"muted,omitempty"`

	// fault, error
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// LevelMessage builds a level frame.
func LevelMessage(db float64, tsMS int64) Message {
	return Message{Type: TypeLevel, TS: tsMS, DB: &db}
}

// SourceMessage builds a source frame. muted reports whether the label
// silences the output.
func SourceMessage(label string, confidence float64, muted bool, tsMS int64) Message {
	return Message{Type: TypeSource, TS: tsMS, Label: label, Confidence: &confidence, Muted: &muted}
}

// FaultMessage builds a fault frame.
func FaultMessage(kind, errMsg string, tsMS int64) Message {
	return Message{Type: TypeFault, TS: tsMS, Kind: kind, Error: errMsg}
}
