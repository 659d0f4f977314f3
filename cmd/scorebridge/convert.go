package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/ScoreBridge/core/cas"
	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/formats"
	"github.com/FocuswithJustin/ScoreBridge/core/journal"
	"github.com/FocuswithJustin/ScoreBridge/core/snapshot"
	"github.com/FocuswithJustin/ScoreBridge/internal/logging"
)

// ConvertCmd converts one file.
type ConvertCmd struct {
	In  string `arg:"" help:"Input file" type:"existingfile"`
	Out string `arg:"" help:"Output file, or - for stdout"`

	From string `help:"Source format (${formats}); detected when empty"`
	To   string `help:"Target format (${formats}); taken from the output extension when empty"`

	Snapshot      string `help:"Write the extension store snapshot to this file" type:"path"`
	SnapshotStore string `name:"snapshot-store" help:"Also keep the snapshot in this blob directory" type:"path"`
	Codec         string `default:"xz" enum:"none,xz,zstd,brotli,lz4" help:"Snapshot compression (${enum})"`
	Journal       string `help:"Record the run in this journal database" type:"path" env:"SCOREBRIDGE_JOURNAL"`
	IDPrefix      string `name:"id-prefix" help:"Prefix for generated element IDs"`
	Strict        bool   `help:"Fail when the conversion reports any diagnostic"`
}

func (c *ConvertCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.In)
	if err != nil {
		return err
	}
	to := c.To
	if to == "" && c.Out != "-" {
		if h := formats.ForPath(c.Out); h != nil {
			to = h.Name
		}
	}

	runID := uuid.New().String()
	ctx := logging.WithRunID(context.Background(), runID)
	opts := []formats.Option{formats.WithContext(ctx), formats.WithPath(c.In)}
	if c.IDPrefix != "" {
		opts = append(opts, formats.WithConvertOptions(convert.WithIDPrefix(c.IDPrefix)))
	}

	res, err := formats.Convert(c.From, to, data, opts...)
	if err != nil {
		return err
	}

	if c.Out == "-" {
		if _, err := g.Out.Write(res.Output); err != nil {
			return err
		}
	} else if err := os.WriteFile(c.Out, res.Output, 0644); err != nil {
		return err
	}

	digest, err := c.writeSnapshot(res)
	if err != nil {
		return err
	}
	if c.Journal != "" {
		if err := c.record(ctx, runID, digest, res); err != nil {
			return err
		}
	}

	if c.Out != "-" {
		printReport(g, res.Import, res.Export)
	}
	if c.Strict && res.Diagnostics() > 0 {
		return fmt.Errorf("%d diagnostics reported", res.Diagnostics())
	}
	return nil
}

// writeSnapshot writes the snapshot file and blob, if requested, and
// returns the blob digest.
func (c *ConvertCmd) writeSnapshot(res *formats.Result) (string, error) {
	if c.Snapshot == "" && c.SnapshotStore == "" {
		return "", nil
	}
	codec, err := snapshot.ParseCodec(c.Codec)
	if err != nil {
		return "", err
	}
	blob, err := snapshot.Encode(res.Store,
		snapshot.WithCodec(codec),
		snapshot.WithSource(res.Source),
		snapshot.WithFingerprint(res.Fingerprint))
	if err != nil {
		return "", err
	}
	if c.Snapshot != "" {
		if err := os.MkdirAll(filepath.Dir(c.Snapshot), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(c.Snapshot, blob, 0644); err != nil {
			return "", err
		}
	}
	if c.SnapshotStore == "" {
		return cas.Hash(blob), nil
	}
	store, err := cas.NewStore(c.SnapshotStore)
	if err != nil {
		return "", err
	}
	return store.Put(blob)
}

func (c *ConvertCmd) record(ctx context.Context, runID, digest string, res *formats.Result) error {
	j, err := journal.Open(c.Journal)
	if err != nil {
		return err
	}
	defer j.Close()
	run := journal.FromResult(c.In, res)
	run.ID = runID
	run.Snapshot = digest
	_, err = j.Record(ctx, run, res.Store)
	return err
}

// RoundtripCmd imports a file, exports it in the same format and imports
// the result again.
type RoundtripCmd struct {
	In   string `arg:"" help:"Input file" type:"existingfile"`
	From string `help:"Format (${formats}); detected when empty"`
}

func (c *RoundtripCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.In)
	if err != nil {
		return err
	}
	rt, err := formats.RoundTrip(c.From, data, formats.WithPath(c.In))
	if err != nil {
		return err
	}
	printReport(g, rt.Reports...)
	if !rt.Stable() {
		fmt.Fprintf(g.Out, "%s: UNSTABLE %s -> %s\n", rt.Format, short(rt.Before), short(rt.After))
		return fmt.Errorf("round trip changed the canonical tree")
	}
	fmt.Fprintf(g.Out, "%s: stable %s\n", rt.Format, short(rt.Before))
	return nil
}

func printReport(g *Globals, reports ...*convert.Report) {
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Fprintf(g.Out, "%s -> %s: %s, %d diagnostics, %d lost\n",
			r.SourceFormat, r.TargetFormat, r.LossClass, len(r.Diagnostics), len(r.LostElements))
		for _, d := range r.Diagnostics {
			fmt.Fprintf(g.Out, "  %s\n", d)
		}
		for _, l := range r.LostElements {
			fmt.Fprintf(g.Out, "  lost %s at %s: %s\n", l.ElementType, l.Path, l.Reason)
		}
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
