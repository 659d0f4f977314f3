package lilypond

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// postCommandNames are the commands that attach to the preceding event
// without a direction prefix: dynamics, spanner starts and stops, and the
// standard articulation and ornament scripts.
var postCommandNames = []string{
	// dynamics, longest first within each family
	"ppppp", "pppp", "ppp", "pp", "p", "mp", "mf", "fffff", "ffff", "fff", "ff", "f",
	"sfz", "sff", "sf", "spp", "sp", "fp", "rfz", "fz", "cresc", "decresc", "dim",
	// spanners
	"startTrillSpan", "stopTrillSpan", "startGroup", "stopGroup",
	"startTextSpan", "stopTextSpan", "sustainOn", "sustainOff",
	// articulations and ornaments
	"accent", "marcato", "staccatissimo", "staccato", "tenuto", "portato",
	"espressivo", "fermata", "shortfermata", "longfermata", "verylongfermata",
	"upbow", "downbow", "flageolet", "thumb", "open", "halfopen", "stopped",
	"snappizzicato", "trill", "prallprall", "prallmordent", "prallup", "pralldown",
	"prall", "upprall", "downprall", "upmordent", "downmordent", "mordent",
	"lineprall", "reverseturn", "turn", "segno", "coda", "varcoda",
	"signumcongruentiae", "arpeggio", "glissando", "laissezVibrer", "repeatTie",
}

// lyLexer tokenizes the supported LilyPond subset. Order matters: the
// first matching rule wins.
var lyLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `%\{(?s:.*?)%\}|%[^\n]*`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Scheme", Pattern: `#(?:'?\((?:[^()]|\([^()]*\))*\)|"(?:\\.|[^"\\])*"|[^\s{}()<>]+)`},
	{Name: "VoiceSep", Pattern: `\\\\`},
	{Name: "PostCommand", Pattern: `\\(?:[<>!()]|(?:` + strings.Join(postCommandNames, "|") + `)\b)`},
	{Name: "Command", Pattern: `\\[a-zA-Z]+(?:-[a-zA-Z]+)*`},
	{Name: "SimOpen", Pattern: `<<`},
	{Name: "SimClose", Pattern: `>>`},
	{Name: "ChordMod", Pattern: `:[0-9a-zA-Z.+^-]*`},
	{Name: "Word", Pattern: `[a-zA-Z]+`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Octave", Pattern: `[',]+`},
	{Name: "Dots", Pattern: `\.+`},
	{Name: "Brace", Pattern: `[{}]`},
	{Name: "Hyphen", Pattern: `\s+--(?:\s|$)`},
	{Name: "Extender", Pattern: `\s+__(?:\s|$)`},
	{Name: "Punct", Pattern: `[<>~()\[\]|=\-^_/*!?+]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// Grammar structs. They mirror the surface syntax and are converted into
// the AST in model.go by parser.go.

//nolint:govet // participle grammar tags are not standard struct tags
type lyFile struct {
	Entries []*lyEntry `@@*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyEntry struct {
	Version    *string       `  "\\version" @String`
	Header     *lyHeader     `| "\\header" @@`
	Score      *lyScore      `| "\\score" @@`
	Markup     *lyMarkup     `| @@`
	Output     *lyOutputDef  `| @@`
	Assignment *lyAssignment `| @@`
	Music      *lyMusic      `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyHeader struct {
	Fields []*lyField `"{" @@* "}"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyField struct {
	Name  string `@Word "="`
	Value string `@(String | Word | Scheme | Int)`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyAssignment struct {
	Name  string   `@Word "="`
	Music *lyMusic `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyScore struct {
	Items []*lyScoreItem `"{" @@* "}"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyScoreItem struct {
	Header *lyHeader    `  "\\header" @@`
	Output *lyOutputDef `| @@`
	Music  *lyMusic     `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyOutputDef struct {
	Name string      `@("\\layout" | "\\midi" | "\\paper")`
	Body *lyBalanced `@@`
}

// lyBalanced is a brace-delimited block kept as raw tokens.
//
//nolint:govet // participle grammar tags are not standard struct tags
type lyBalanced struct {
	Items []*lyBalancedItem `"{" @@* "}"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyBalancedItem struct {
	Nested *lyBalanced `  @@`
	Token  *string     `| @(VoiceSep | Command | PostCommand | String | Scheme | Word | Int | Octave | Dots | SimOpen | SimClose | ChordMod | Hyphen | Extender | Punct)`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyMarkup struct {
	Kind   string       `@("\\markup" | "\\markuplist")`
	Prefix []string     `@Command*`
	Body   lyMarkupBody `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyMarkupBody struct {
	Block *lyBalanced `  @@`
	Text  *string     `| @(String | Word)`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyMusic struct {
	Sequential   *lySeq        `  "{" @@ "}"`
	Simultaneous *lySeq        `| "<<" @@ ">>"`
	New          *lyNew        `| ("\\new" | "\\context") @@`
	Relative     *lyRelative   `| "\\relative" @@`
	Fixed        *lyFixed      `| "\\fixed" @@`
	Clef         *string       `| "\\clef" @(String | Word)`
	Key          *lyKey        `| "\\key" @@`
	Time         *lyFrac       `| "\\time" @@`
	Bar          *string       `| "\\bar" @String`
	Tempo        *lyTempo      `| "\\tempo" @@`
	Partial      *lyDuration   `| "\\partial" @@`
	Grace        *lyGrace      `| @@`
	AfterGrace   *lyAfterGrace `| "\\afterGrace" @@`
	ChordMode    *lyChordMode  `| "\\chordmode" @@`
	Figures      *lyFigures    `| "\\figures" @@`
	Repeat       *lyRepeat     `| "\\repeat" @@`
	Lyrics       *lyLyrics     `| @@`
	Property     *lyProperty   `| @@`
	BarCheck     *string       `| @"|"`
	VoiceSep     bool          `| @VoiceSep`
	Chord        *lyChord      `| @@`
	Event        *lyEvent      `| @@`
	Call         *lyCall       `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lySeq struct {
	Items []*lyMusic `@@*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyNew struct {
	Type  string      `@Word`
	Name  *string     `( "=" @String )?`
	With  *lyBalanced `( "\\with" @@ )?`
	Music *lyMusic    `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyPitch struct {
	Pos lexer.Position

	Step   string `@Word`
	Octave string `@Octave?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyRelative struct {
	Pitch *lyPitch `@@?`
	Music *lyMusic `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyFixed struct {
	Pitch lyPitch  `@@`
	Music *lyMusic `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyKey struct {
	Pitch lyPitch `@@`
	Mode  string  `@Command`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyFrac struct {
	Num int `@Int "/"`
	Den int `@Int`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyTempo struct {
	Text      *string      `@String?`
	Metronome *lyMetronome `@@?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyMetronome struct {
	Unit int    `@Int`
	Dots string `@Dots?`
	BPM  int    `"=" @Int`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyDuration struct {
	Base   int       `@Int`
	Dots   string    `@Dots?`
	Factor *lyFactor `( "*" @@ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyFactor struct {
	Num int  `@Int`
	Den *int `( "/" @Int )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyGrace struct {
	Kind  string   `@("\\grace" | "\\acciaccatura" | "\\appoggiatura" | "\\slashedGrace")`
	Music *lyMusic `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyAfterGrace struct {
	Fraction *lyFrac  `@@?`
	Main     *lyMusic `@@`
	Grace    *lyMusic `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyChordMode struct {
	Events []*lyChordModeEvent `"{" @@* "}"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyChordModeEvent struct {
	Pos lexer.Position

	Root     string      `@Word`
	Octave   string      `@Octave?`
	Duration *lyDuration `@@?`
	Mods     *string     `@ChordMod?`
	Bass     *lyPitch    `( "/" @@ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyFigures struct {
	Events []*lyFigureEvent `"{" @@* "}"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyFigureEvent struct {
	Group *lyFigureGroup `  @@`
	Skip  *lySkipEvent   `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyFigureGroup struct {
	Figures  []string    `"<" @(Int | "_" | "+" | "-" | "!" | "[" | "]" | PostCommand)* ">"`
	Duration *lyDuration `@@?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lySkipEvent struct {
	Pos lexer.Position

	Kind     string      `@Word`
	Duration *lyDuration `@@?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyRepeat struct {
	Kind         string     `@Word`
	Count        int        `@Int`
	Music        *lyMusic   `@@`
	Alternatives []*lyMusic `( "\\alternative" "{" @@* "}" )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyLyrics struct {
	Kind      string        `@("\\lyricmode" | "\\addlyrics" | "\\lyricsto")`
	Voice     *string       `@String?`
	Syllables []*lySyllable `"{" @@* "}"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lySyllable struct {
	Hyphen   bool         `  @Hyphen`
	Extender bool         `| @Extender`
	Word     *lyLyricWord `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyLyricWord struct {
	Pos lexer.Position

	Text     string      `@(String | Word | "_")`
	Duration *lyDuration `@@?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyProperty struct {
	Op    string   `@("\\override" | "\\set" | "\\revert" | "\\unset")`
	Path  []string `@Word ( "." @Word )*`
	Value *string  `( "=" @(Scheme | String | Int | Word) )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyChord struct {
	Notes    []*lyChordNote `"<" @@* ">"`
	Duration *lyDuration    `@@?`
	Post     []*lyPost      `@@*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyChordNote struct {
	Pos lexer.Position

	Pitch  string    `@Word`
	Octave string    `@Octave?`
	Force  string    `@("!" | "?")?`
	Post   []*lyPost `@@*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyEvent struct {
	Pos lexer.Position

	Pitch    string      `@Word`
	Octave   string      `@Octave?`
	Force    string      `@("!" | "?")?`
	Duration *lyDuration `@@?`
	Post     []*lyPost   `@@*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyPost struct {
	Tie     bool      `  @"~"`
	Paren   *string   `| @("(" | ")" | "[" | "]")`
	Command *string   `| @PostCommand`
	Script  *lyScript `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyScript struct {
	Dir  string       `@("-" | "^" | "_")`
	Body lyScriptBody `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyScriptBody struct {
	Command *string `  @(Command | PostCommand)`
	Text    *string `| @String`
	Finger  *int    `| @Int`
	Paren   *string `| @("(" | ")")`
	Abbrev  *string `| @(Dots | ">" | "^" | "_" | "-" | "!" | "+")`
}

//nolint:govet // participle grammar tags are not standard struct tags
type lyCall struct {
	Name string   `@(Command | PostCommand)`
	Args []string `@(Scheme | String)*`
}

// lyParser is the participle parser for LilyPond files.
var lyParser = participle.MustBuild[lyFile](
	participle.Lexer(lyLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.UseLookahead(4),
)
