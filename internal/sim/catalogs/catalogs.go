package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NoneID is the reserved palette entry for "no occupant"; it always has palette id 0.
const NoneID = "NONE"

type Catalogs struct {
	Occupants OccupantCatalog
}

type OccupantCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]OccupantDef
	PaletteDigest string
	DefsDigest    string
}

type OccupantDef struct {
	ID    string `json:"id"`
	Layer string `json:"layer"` // "OBJECT","ENV"
	// Capacity > 0 marks a depletable occupant (e.g. a tree with 5 logs).
	Capacity uint64 `json:"capacity,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadOccupants(filepath.Join(configDir, "occupants.json"), &c.Occupants); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadOccupants(path string, out *OccupantCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []OccupantDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("occupants.json: %w", err)
	}
	cat, err := NewOccupantCatalog(defs)
	if err != nil {
		return fmt.Errorf("occupants.json: %w", err)
	}
	cat.DefsDigest = sha256Hex(raw)
	*out = cat
	return nil
}

// NewOccupantCatalog builds the palette from definitions: ids sorted, NONE first.
func NewOccupantCatalog(defs []OccupantDef) (OccupantCatalog, error) {
	var out OccupantCatalog
	out.Defs = map[string]OccupantDef{}
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return out, fmt.Errorf("empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return out, fmt.Errorf("duplicate id: %s", d.ID)
		}
		d.Layer = strings.ToUpper(strings.TrimSpace(d.Layer))
		if d.ID != NoneID && d.Layer != "OBJECT" && d.Layer != "ENV" {
			return out, fmt.Errorf("%s: layer must be OBJECT or ENV, got %q", d.ID, d.Layer)
		}
		out.Defs[d.ID] = d
	}
	if _, ok := out.Defs[NoneID]; !ok {
		return out, fmt.Errorf("missing %s", NoneID)
	}
	if len(out.Defs) > 1<<16 {
		return out, fmt.Errorf("too many occupant types: %d", len(out.Defs))
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ids = append([]string{NoneID}, filterOut(ids, NoneID)...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	if out.DefsDigest == "" {
		defsJSON, _ := json.Marshal(defs)
		out.DefsDigest = sha256Hex(defsJSON)
	}
	return out, nil
}

// Lookup returns the palette id for an occupant type.
func (c OccupantCatalog) Lookup(id string) (uint16, bool) {
	v, ok := c.Index[id]
	return v, ok
}

// Name returns the occupant type for a palette id.
func (c OccupantCatalog) Name(v uint16) (string, bool) {
	if int(v) >= len(c.Palette) {
		return "", false
	}
	return c.Palette[v], true
}

func filterOut(in []string, remove string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == remove {
			continue
		}
		out = append(out, s)
	}
	return out
}
