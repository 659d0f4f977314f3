package musicxml

import (
	"bytes"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/formats"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
)

func init() {
	formats.Register(&formats.Handler{
		Name:       "musicxml",
		Extensions: []string{".musicxml", ".xml"},
		Detect:     detect,
		Decode:     decode,
		Encode:     encode,
	})
}

func detect(data []byte) bool {
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	return bytes.Contains(head, []byte("<score-partwise"))
}

func decode(path string, data []byte, opts ...convert.Option) (*mei.Score, *ext.Store, *convert.Report, error) {
	doc, err := Parse(path, data)
	if err != nil {
		return nil, nil, convert.NewReport(FormatName, "MEI"), err
	}
	return Import(doc, opts...)
}

func encode(score *mei.Score, store *ext.Store, opts ...convert.Option) ([]byte, *convert.Report, error) {
	doc, report, err := Export(score, store, opts...)
	if err != nil {
		return nil, report, err
	}
	return Serialize(doc), report, nil
}
