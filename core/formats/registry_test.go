package formats

import (
	"bytes"
	"testing"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
)

// fakeHandler decodes any input to a score whose ID is the input text and
// encodes a score back to its ID.
func fakeHandler(name string, exts ...string) *Handler {
	return &Handler{
		Name:       name,
		Extensions: exts,
		Detect: func(data []byte) bool {
			return bytes.HasPrefix(data, []byte(name+":"))
		},
		Decode: func(path string, data []byte, opts ...convert.Option) (*mei.Score, *ext.Store, *convert.Report, error) {
			report := convert.NewReport(name, "MEI")
			if len(data) == 0 {
				return nil, nil, report, errors.NewParse(name, path, "empty input")
			}
			return &mei.Score{Common: mei.Common{ID: string(data)}}, ext.New(), report, nil
		},
		Encode: func(score *mei.Score, store *ext.Store, opts ...convert.Option) ([]byte, *convert.Report, error) {
			report := convert.NewReport("MEI", name)
			report.AddLostElement("score", "beam", "not modelled", convert.LossL2)
			return []byte(score.ID), report, nil
		},
	}
}

func withFakes(t *testing.T) {
	t.Helper()
	Reset()
	Register(fakeHandler("alpha", ".alp"))
	Register(fakeHandler("beta", ".bet", ".b"))
	t.Cleanup(Reset)
}

func TestRegister(t *testing.T) {
	withFakes(t)

	Register(nil)
	Register(&Handler{})
	if got := Names(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("Names() = %v, want [alpha beta]", got)
	}
	if !Has("ALPHA") {
		t.Error("lookup should ignore case")
	}
	if Get("gamma") != nil {
		t.Error("Get(gamma) should be nil")
	}

	Register(fakeHandler("alpha", ".new"))
	if h := Get("alpha"); len(h.Extensions) != 1 || h.Extensions[0] != ".new" {
		t.Errorf("re-registering should replace the handler, got %v", h.Extensions)
	}
}

func TestDetect(t *testing.T) {
	withFakes(t)

	tests := []struct {
		name string
		path string
		data string
		want string
	}{
		{"extension", "song.bet", "alpha:x", "beta"},
		{"extension case", "SONG.ALP", "", "alpha"},
		{"content", "song.txt", "beta:x", "beta"},
		{"no extension", "", "alpha:x", "alpha"},
		{"unknown", "song.txt", "x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Detect(tt.path, []byte(tt.data))
			got := ""
			if h != nil {
				got = h.Name
			}
			if got != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestConvert(t *testing.T) {
	withFakes(t)

	res, err := Convert("", "beta", []byte("alpha:tune"), WithPath("in.alp"))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if res.Source != "alpha" || res.Target != "beta" {
		t.Errorf("got %s -> %s, want alpha -> beta", res.Source, res.Target)
	}
	if string(res.Output) != "alpha:tune" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Fingerprint == "" {
		t.Error("Fingerprint is empty")
	}
	if res.LossClass() != convert.LossL2 {
		t.Errorf("LossClass() = %s, want L2", res.LossClass())
	}
	if res.Diagnostics() != 0 {
		t.Errorf("Diagnostics() = %d, want 0", res.Diagnostics())
	}
}

func TestConvertDefaultsTargetToSource(t *testing.T) {
	withFakes(t)

	res, err := Convert("", "", []byte("beta:x"))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if res.Target != "beta" {
		t.Errorf("Target = %q, want beta", res.Target)
	}
}

func TestConvertErrors(t *testing.T) {
	withFakes(t)
	Register(&Handler{Name: "readonly", Decode: Get("alpha").Decode})

	tests := []struct {
		name     string
		src, dst string
		data     string
		check    func(error) bool
	}{
		{"unknown source", "gamma", "", "x", func(err error) bool { return errors.Is(err, errors.ErrUnsupported) }},
		{"unknown target", "alpha", "gamma", "x", func(err error) bool { return errors.Is(err, errors.ErrUnsupported) }},
		{"undetectable", "", "", "x", func(err error) bool { return errors.Is(err, errors.ErrUnsupported) }},
		{"not writable", "alpha", "readonly", "x", func(err error) bool { return errors.Is(err, errors.ErrUnsupported) }},
		{"decode failure", "alpha", "", "", func(err error) bool {
			var pe *errors.ParseError
			return errors.As(err, &pe)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Convert(tt.src, tt.dst, []byte(tt.data))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	withFakes(t)

	rt, err := RoundTrip("alpha", []byte("alpha:tune"))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if !rt.Stable() {
		t.Errorf("fingerprints differ: %s != %s", rt.Before, rt.After)
	}
	if len(rt.Reports) != 3 {
		t.Errorf("got %d reports, want 3", len(rt.Reports))
	}
}
