package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilecraft.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asJSON round-trips v through encoding/json so the validator sees plain maps.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSchemas_ValidateMessages(t *testing.T) {
	cases := []struct {
		schema string
		msg    any
	}{
		{"hello.schema.json", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, MirrorName: "mirror-1", MaxQueue: 16}},
		{"welcome.schema.json", protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			WorldID:         "OVERWORLD",
			ChunkSize:       8,
			Palette:         protocol.DigestRef{Digest: "deadbeef", Count: 3},
			PaletteIDs:      []string{"NONE", "ROCK", "TREE"},
		}},
		{"subscribe.schema.json", protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Min: [2]int{-4, -4}, Max: [2]int{3, 3}}},
		{"ack.schema.json", protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: protocol.TypeSubscribe, Accepted: true, Chunks: 2}},
		{"error.schema.json", protocol.NewError(protocol.ErrSlowConsumer, "queue full")},
	}
	for _, tc := range cases {
		s := compile(t, tc.schema)
		if err := s.Validate(asJSON(t, tc.msg)); err != nil {
			t.Fatalf("%s: %v", tc.schema, err)
		}
	}
}

func TestSchemas_RejectBadSamples(t *testing.T) {
	bad := map[string]string{
		"hello.schema.json":     `{"type":"HELLO","protocol_version":"1.0"}`,
		"subscribe.schema.json": `{"type":"SUBSCRIBE","protocol_version":"1.0","min":[0],"max":[1,1]}`,
		"welcome.schema.json":   `{"type":"WELCOME","protocol_version":"1.0","world_id":"w","chunk_size":16,"palette":{"digest":"x","count":1},"palette_ids":["NONE"]}`,
		"error.schema.json":     `{"type":"ERROR","protocol_version":"1.0","code":"oops"}`,
	}
	for name, raw := range bad {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatal(err)
		}
		if err := compile(t, name).Validate(v); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
