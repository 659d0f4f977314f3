// Command scorebridge converts music notation between LilyPond and MusicXML
// through the canonical tree, and inspects the snapshots and journals that
// conversions leave behind.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/ScoreBridge/core/formats"
	"github.com/FocuswithJustin/ScoreBridge/internal/logging"

	// Register every compiled-in format.
	_ "github.com/FocuswithJustin/ScoreBridge/internal/embedded"
)

const version = "0.1.0"

// CLI defines the command-line interface for scorebridge.
type CLI struct {
	LogLevel  string `name:"log-level" default:"warn" env:"SCOREBRIDGE_LOG_LEVEL" enum:"debug,info,warn,error" help:"Log level (${enum})"`
	LogFormat string `name:"log-format" default:"text" env:"SCOREBRIDGE_LOG_FORMAT" enum:"json,text" help:"Log format (${enum})"`

	Convert   ConvertCmd    `cmd:"" help:"Convert a score to another format"`
	Roundtrip RoundtripCmd  `cmd:"" help:"Check that a score survives export and re-import unchanged"`
	Formats   FormatsCmd    `cmd:"" help:"List registered formats"`
	Snapshot  SnapshotGroup `cmd:"" help:"Extension store snapshots"`
	Journal   JournalGroup  `cmd:"" help:"Conversion journal"`
	Version   VersionCmd    `cmd:"" help:"Print version information"`
}

// SnapshotGroup contains snapshot operations.
type SnapshotGroup struct {
	Inspect SnapshotInspectCmd `cmd:"" help:"Print the content of a snapshot"`
}

// JournalGroup contains journal operations.
type JournalGroup struct {
	List    JournalListCmd    `cmd:"" help:"List recorded runs"`
	Show    JournalShowCmd    `cmd:"" help:"Show one run with its diagnostics"`
	Entries JournalEntriesCmd `cmd:"" help:"Print the extension entries of a run"`
	Delete  JournalDeleteCmd  `cmd:"" help:"Delete a run"`
}

// Globals is bound into every command's Run method.
type Globals struct {
	Out io.Writer
}

// AfterApply configures logging once flags and environment are resolved.
func (c *CLI) AfterApply() error {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLogger(level, format)
	return nil
}

// newParser builds the kong parser; tests pass their own writers.
func newParser(cli *CLI, stdout, stderr io.Writer, exit func(int)) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("scorebridge"),
		kong.Description("Music notation conversion between LilyPond and MusicXML"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"formats": strings.Join(formats.Names(), ",")},
		kong.Writers(stdout, stderr),
		kong.Exit(exit),
		kong.Bind(&Globals{Out: stdout}),
	)
}

func run(args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := newParser(&cli, stdout, stderr, os.Exit)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "scorebridge:", err)
		os.Exit(1)
	}
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Out, "scorebridge version %s\n", version)
	return nil
}

// FormatsCmd lists the registered formats.
type FormatsCmd struct{}

func (c *FormatsCmd) Run(g *Globals) error {
	for _, h := range formats.List() {
		fmt.Fprintf(g.Out, "%-10s %s\n", h.Name, strings.Join(h.Extensions, " "))
	}
	return nil
}
