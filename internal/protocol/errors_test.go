package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrBadRequest,
		ErrRegionTooBig,
		ErrSlowConsumer,
		ErrShuttingDown,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
	if e := NewError(ErrSlowConsumer, "queue full"); e.Type != TypeError || !IsKnownCode(e.Code) {
		t.Fatalf("NewError=%+v", e)
	}
}
