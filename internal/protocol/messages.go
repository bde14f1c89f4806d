package protocol

// HELLO (mirror -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	MirrorName      string `json:"mirror_name"`
	// MaxQueue asks for a smaller per-connection queue than the server default.
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> mirror): everything a mirror needs to decode chunk frames.
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	WorldID         string    `json:"world_id"`
	ChunkSize       int       `json:"chunk_size"`
	Palette         DigestRef `json:"palette"`
	PaletteIDs      []string  `json:"palette_ids"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// SUBSCRIBE (mirror -> server): inclusive chunk-key rectangle. After the ACK,
// every binary frame is one chunk encoding whose key lies in the rectangle.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Min             [2]int `json:"min"`
	Max             [2]int `json:"max"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	// Chunks is the number of loaded chunks sent right after the ACK.
	Chunks int `json:"chunks,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
