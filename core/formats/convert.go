package formats

import (
	"context"
	"time"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/internal/logging"
)

// Option configures Convert.
type Option func(*options)

type options struct {
	ctx     context.Context
	path    string
	convert []convert.Option
}

// WithContext sets the context used for logging.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithPath names the input; it is used for format detection and in parse
// errors.
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithConvertOptions passes options through to both the import and the
// export contexts.
func WithConvertOptions(opts ...convert.Option) Option {
	return func(o *options) { o.convert = append(o.convert, opts...) }
}

// Result is the outcome of one Convert call.
type Result struct {
	Source string
	Target string

	Output []byte
	Score  *mei.Score
	Store  *ext.Store

	Import *convert.Report
	Export *convert.Report

	// Fingerprint is the BLAKE3 fingerprint of the canonical tree.
	Fingerprint string
}

// LossClass returns the worse loss class of the two halves.
func (r *Result) LossClass() convert.LossClass {
	lc := convert.LossL0
	for _, rep := range []*convert.Report{r.Import, r.Export} {
		if rep != nil && rep.LossClass.Level() > lc.Level() {
			lc = rep.LossClass
		}
	}
	return lc
}

// Diagnostics returns the number of diagnostics across both halves.
func (r *Result) Diagnostics() int {
	n := 0
	for _, rep := range []*convert.Report{r.Import, r.Export} {
		if rep != nil {
			n += len(rep.Diagnostics)
		}
	}
	return n
}

// Resolve returns the handler for name, or detects one from path and data
// when name is empty.
func Resolve(name, path string, data []byte) (*Handler, error) {
	if name != "" {
		if h := Get(name); h != nil {
			return h, nil
		}
		return nil, errors.Wrapf(errors.ErrUnsupported, "unknown format %q", name)
	}
	if h := Detect(path, data); h != nil {
		return h, nil
	}
	return nil, errors.NewUnsupported("input "+path, "cannot detect format")
}

// Convert decodes data as src, imports it, exports it and encodes it as
// dst. Either name may be empty: src is then detected from the input and
// dst defaults to src.
func Convert(src, dst string, data []byte, opts ...Option) (*Result, error) {
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}

	from, err := Resolve(src, o.path, data)
	if err != nil {
		return nil, err
	}
	to := from
	if dst != "" {
		if to, err = Resolve(dst, "", nil); err != nil {
			return nil, err
		}
	}
	if from.Decode == nil {
		return nil, errors.NewUnsupported(from.Name, "format cannot be read")
	}
	if to.Encode == nil {
		return nil, errors.NewUnsupported(to.Name, "format cannot be written")
	}

	start := time.Now()
	logging.ConversionStart(o.ctx, from.Name, to.Name, "path", o.path, "bytes", len(data))

	res := &Result{Source: from.Name, Target: to.Name}
	res.Score, res.Store, res.Import, err = from.Decode(o.path, data, o.convert...)
	if err != nil {
		logging.FormatError(from.Name, "decode", err, "path", o.path)
		return res, err
	}
	if res.Fingerprint, err = mei.Fingerprint(res.Score); err != nil {
		return res, errors.Wrap(err, "fingerprint")
	}
	res.Output, res.Export, err = to.Encode(res.Score, res.Store, o.convert...)
	if err != nil {
		logging.FormatError(to.Name, "encode", err)
		return res, err
	}

	logging.ConversionDone(o.ctx, from.Name, to.Name, string(res.LossClass()), res.Diagnostics(),
		time.Since(start), "fingerprint", res.Fingerprint)
	return res, nil
}

// RoundTripResult compares the canonical tree of an input with the tree
// obtained after writing it back out in the same format and reading it in
// again.
type RoundTripResult struct {
	Format string
	Before string
	After  string

	// Reports holds the import, export and re-import reports in order.
	Reports []*convert.Report
}

// Stable reports whether both fingerprints agree.
func (r *RoundTripResult) Stable() bool {
	return r.Before != "" && r.Before == r.After
}

// RoundTrip imports data, exports it in the same format and imports the
// output again.
func RoundTrip(name string, data []byte, opts ...Option) (*RoundTripResult, error) {
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	first, err := Convert(name, "", data, opts...)
	if err != nil {
		return nil, err
	}
	rt := &RoundTripResult{
		Format:  first.Source,
		Before:  first.Fingerprint,
		Reports: []*convert.Report{first.Import, first.Export},
	}

	h := Get(first.Source)
	score, _, report, err := h.Decode(o.path, first.Output, o.convert...)
	rt.Reports = append(rt.Reports, report)
	if err != nil {
		return rt, errors.Wrap(err, "re-import")
	}
	if rt.After, err = mei.Fingerprint(score); err != nil {
		return rt, errors.Wrap(err, "fingerprint")
	}
	return rt, nil
}
