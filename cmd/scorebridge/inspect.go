package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/FocuswithJustin/ScoreBridge/core/cas"
	"github.com/FocuswithJustin/ScoreBridge/core/journal"
	"github.com/FocuswithJustin/ScoreBridge/core/snapshot"
)

// SnapshotInspectCmd prints a snapshot.
type SnapshotInspectCmd struct {
	Target string `arg:"" help:"Snapshot file, or a digest when --store is set"`
	Store  string `help:"Blob directory to read the digest from" type:"existingdir"`
	JSON   bool   `name:"json" help:"Print the entries as JSON"`
}

func (c *SnapshotInspectCmd) Run(g *Globals) error {
	var data []byte
	var err error
	if c.Store != "" {
		store, serr := cas.NewStore(c.Store)
		if serr != nil {
			return serr
		}
		data, err = store.Get(c.Target)
	} else {
		data, err = os.ReadFile(c.Target)
	}
	if err != nil {
		return err
	}

	snap, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(g.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Store)
	}

	fmt.Fprintf(g.Out, "source:      %s\n", snap.Source)
	fmt.Fprintf(g.Out, "fingerprint: %s\n", snap.Fingerprint)
	fmt.Fprintf(g.Out, "codec:       %s\n", snap.Codec)
	fmt.Fprintf(g.Out, "checksum:    %s\n", snap.Checksum)
	fmt.Fprintf(g.Out, "entries:     %d\n", snap.Store.Len())
	tw := tabwriter.NewWriter(g.Out, 0, 4, 2, ' ', 0)
	for _, id := range snap.Store.IDs() {
		e, _ := snap.Store.Get(id)
		var names []string
		for _, concern := range e.Concerns() {
			names = append(names, string(concern))
		}
		fmt.Fprintf(tw, "  %s\t%s\n", id, strings.Join(names, ","))
	}
	return tw.Flush()
}

// JournalListCmd lists the runs in a journal.
type JournalListCmd struct {
	DB string `arg:"" help:"Journal database" type:"existingfile"`
}

func (c *JournalListCmd) Run(g *Globals) error {
	j, err := journal.Open(c.DB)
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.Runs(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(g.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSOURCE\tTARGET\tLOSS\tINPUT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Created.UTC().Format(time.RFC3339), r.Source, r.Target, r.LossClass, r.Input)
	}
	return tw.Flush()
}

// JournalShowCmd prints one run.
type JournalShowCmd struct {
	DB string `arg:"" help:"Journal database" type:"existingfile"`
	ID string `arg:"" help:"Run ID"`
}

func (c *JournalShowCmd) Run(g *Globals) error {
	j, err := journal.Open(c.DB)
	if err != nil {
		return err
	}
	defer j.Close()

	r, err := j.Run(context.Background(), c.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "run:         %s\n", r.ID)
	fmt.Fprintf(g.Out, "created:     %s\n", r.Created.UTC().Format(time.RFC3339))
	fmt.Fprintf(g.Out, "input:       %s\n", r.Input)
	fmt.Fprintf(g.Out, "formats:     %s -> %s\n", r.Source, r.Target)
	fmt.Fprintf(g.Out, "loss class:  %s\n", r.LossClass)
	fmt.Fprintf(g.Out, "fingerprint: %s\n", r.Fingerprint)
	if r.Snapshot != "" {
		fmt.Fprintf(g.Out, "snapshot:    %s\n", r.Snapshot)
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(g.Out, "  [%s] %s at %s: %s\n", d.Phase, d.Kind, d.Location, d.Message)
	}
	for _, l := range r.LostElements {
		fmt.Fprintf(g.Out, "  [%s] lost %s at %s: %s\n", l.Phase, l.ElementType, l.Path, l.Reason)
	}
	return nil
}

// JournalEntriesCmd prints the extension entries of a run as JSON.
type JournalEntriesCmd struct {
	DB string `arg:"" help:"Journal database" type:"existingfile"`
	ID string `arg:"" help:"Run ID"`
}

func (c *JournalEntriesCmd) Run(g *Globals) error {
	j, err := journal.Open(c.DB)
	if err != nil {
		return err
	}
	defer j.Close()

	store, err := j.Store(context.Background(), c.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(g.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(store)
}

// JournalDeleteCmd deletes one run.
type JournalDeleteCmd struct {
	DB string `arg:"" help:"Journal database" type:"existingfile"`
	ID string `arg:"" help:"Run ID"`
}

func (c *JournalDeleteCmd) Run(g *Globals) error {
	j, err := journal.Open(c.DB)
	if err != nil {
		return err
	}
	defer j.Close()
	if err := j.Delete(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "deleted %s\n", c.ID)
	return nil
}
