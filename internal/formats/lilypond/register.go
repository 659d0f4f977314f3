package lilypond

import (
	"bytes"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/formats"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
)

func init() {
	formats.Register(&formats.Handler{
		Name:       "lilypond",
		Extensions: []string{".ly", ".ily", ".lily"},
		Detect:     detect,
		Decode:     decode,
		Encode:     encode,
	})
}

// detect looks for the commands almost every LilyPond file starts with.
func detect(data []byte) bool {
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	head = bytes.TrimSpace(head)
	if bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	for _, marker := range []string{`\version`, `\relative`, `\score`, `\header`, `\new Staff`} {
		if bytes.Contains(head, []byte(marker)) {
			return true
		}
	}
	return false
}

func decode(path string, data []byte, opts ...convert.Option) (*mei.Score, *ext.Store, *convert.Report, error) {
	f, err := Parse(path, data)
	if err != nil {
		return nil, nil, convert.NewReport(FormatName, "MEI"), err
	}
	return Import(f, opts...)
}

func encode(score *mei.Score, store *ext.Store, opts ...convert.Option) ([]byte, *convert.Report, error) {
	f, report, err := Export(score, store, opts...)
	if err != nil {
		return nil, report, err
	}
	return Serialize(f), report, nil
}
