package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Feed state.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrRegionTooBig = "E_REGION_TOO_BIG"
	ErrSlowConsumer = "E_SLOW_CONSUMER"
	ErrShuttingDown = "E_SHUTTING_DOWN"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadRequest:      {},
	ErrRegionTooBig:    {},
	ErrSlowConsumer:    {},
	ErrShuttingDown:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
