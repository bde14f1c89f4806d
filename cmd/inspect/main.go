package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	persistlog "tilecraft.ai/internal/persistence/log"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/sim/world/io/snapshotcodec"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

func main() {
	var (
		snapPath  = flag.String("snapshot", "", "path to .snap.zst")
		configDir = flag.String("configs", "", "config directory; when set, the snapshot is imported and its region digest printed")
		auditDir  = flag.String("audit", "", "audit dir containing audit-*.jsonl.zst (optional)")
		cellX     = flag.Int("x", 0, "with -audit and -cell: cell x")
		cellY     = flag.Int("y", 0, "with -audit and -cell: cell y")
		cellOnly  = flag.Bool("cell", false, "with -audit: only print entries for cell (x,y)")
	)
	flag.Parse()

	if *snapPath == "" && *auditDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -audit")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if _, err := summarize(os.Stdout, snap); err != nil {
			fmt.Fprintln(os.Stderr, "inspect:", err)
			os.Exit(1)
		}
		if *configDir != "" {
			cats, err := catalogs.Load(*configDir)
			if err != nil {
				fmt.Fprintln(os.Stderr, "load catalogs:", err)
				os.Exit(1)
			}
			digest, err := regionDigest(snap, cats.Occupants)
			if err != nil {
				fmt.Fprintln(os.Stderr, "import snapshot:", err)
				os.Exit(1)
			}
			fmt.Printf("region digest %s\n", digest)
		}
	}

	if *auditDir != "" {
		var cell *[2]int
		if *cellOnly {
			cell = &[2]int{*cellX, *cellY}
		}
		if err := printAudit(os.Stdout, *auditDir, cell); err != nil {
			fmt.Fprintln(os.Stderr, "audit:", err)
			os.Exit(1)
		}
	}
}

type summary struct {
	Chunks  int
	Objects int
	Envs    int
	ByType  map[string]int
}

// summarize prints one line per chunk and the per-type totals.
func summarize(out io.Writer, snap snapshot.RegionSnapshotV1) (summary, error) {
	s := summary{ByType: map[string]int{}}
	fmt.Fprintf(out, "snapshot v%d world=%s seq=%d palette=%d chunks=%d\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Seq, len(snap.Palette), len(snap.Chunks))

	for _, c := range snap.Chunks {
		cs, err := snapshotcodec.Decode(c.Data)
		if err != nil {
			return s, fmt.Errorf("chunk %d,%d: %w", c.CX, c.CY, err)
		}
		obj := cs.Layers[store.LayerObject].Count()
		env := cs.Layers[store.LayerEnv].Count()
		fmt.Fprintf(out, "chunk %s obj=%d env=%d digest=%x\n", cs.Key, obj, env, cs.Digest[:8])
		s.Chunks++
		s.Objects += obj
		s.Envs += env
		for l := range cs.Layers {
			for _, t := range cs.Layers[l].Types {
				name := fmt.Sprintf("#%d", t)
				if int(t) < len(snap.Palette) {
					name = snap.Palette[t]
				}
				s.ByType[name]++
			}
		}
	}

	names := make([]string, 0, len(s.ByType))
	for n := range s.ByType {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "total obj=%d env=%d\n", s.Objects, s.Envs)
	for _, n := range names {
		fmt.Fprintf(out, "  %-12s %d\n", n, s.ByType[n])
	}
	return s, nil
}

func regionDigest(snap snapshot.RegionSnapshotV1, cat catalogs.OccupantCatalog) (string, error) {
	w, err := world.New(world.WorldConfig{ID: snap.Header.WorldID, Catalog: cat}, world.Deps{})
	if err != nil {
		return "", err
	}
	if err := w.ImportRegion(snap); err != nil {
		return "", err
	}
	return w.Digest(), nil
}

func printAudit(out io.Writer, dir string, cell *[2]int) error {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		entries, err := persistlog.ReadAudit(f)
		if err != nil && len(entries) == 0 {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		for _, e := range entries {
			if cell != nil && e.Pos != *cell {
				continue
			}
			fmt.Fprintf(out, "%d %s %s (%d,%d) %s %s->%s", e.Seq, e.Actor, e.Action, e.Pos[0], e.Pos[1], e.Layer, e.From, e.To)
			if e.Amount > 0 {
				fmt.Fprintf(out, " amount=%d", e.Amount)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}
