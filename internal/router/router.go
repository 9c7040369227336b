// Package router decides how an uploaded payload is interpreted: as a single
// character or as a multi-character package.
package router

import (
	"errors"
	"fmt"

	"github.com/dharsanguruparan/cardvault/internal/assets"
	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

// ErrUnrecognizedFormat is the terminal, user-facing parse failure.
var ErrUnrecognizedFormat = errors.New("unsupported or corrupt file")

// Kind distinguishes single from multi-character results.
type Kind int

const (
	KindSingle Kind = iota + 1
	KindCollection
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// Single is one logical character ready for the version store.
type Single struct {
	Format      model.Format
	SpecVersion string
	Card        *cardcodec.Card
	Assets      assets.Extracted
	// Package is set when the character came out of a one-item package.
	Package *cardcodec.Package
}

// Result is what Route produces. Exactly one of Single or Package is set.
type Result struct {
	Kind    Kind
	Single  *Single
	Package *cardcodec.Package
}

// Router runs the parse strategies in their fixed fallback order.
type Router struct {
	opts cardcodec.Options
	log  *logger.Logger
}

func New(opts cardcodec.Options, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{opts: opts, log: log.With("component", "router")}
}

// Route interprets data. Every failure it returns matches
// ErrUnrecognizedFormat.
func (r *Router) Route(data []byte) (*Result, error) {
	var lastErr error
	tried := map[strategy]bool{}
	for _, step := range plan {
		if tried[step.strategy] || !step.applies(data, lastErr) {
			continue
		}
		tried[step.strategy] = true
		res, err := r.run(step.strategy, data)
		if err == nil {
			return res, nil
		}
		r.log.Debug("parse attempt failed", "strategy", step.strategy, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cardcodec.ErrUnrecognizedContainer
	}
	return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, lastErr)
}

func (r *Router) run(s strategy, data []byte) (*Result, error) {
	switch s {
	case strategyPackage:
		return r.parsePackage(data)
	case strategyContainer:
		return r.parseContainer(data)
	default:
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
}

func (r *Router) parseContainer(data []byte) (*Result, error) {
	p, err := cardcodec.Parse(data, r.opts)
	if err != nil {
		return nil, err
	}
	return &Result{
		Kind: KindSingle,
		Single: &Single{
			Format:      p.Format,
			SpecVersion: p.Card.Spec,
			Card:        p.Card,
			Assets:      assets.FromParsed(p),
		},
	}, nil
}

func (r *Router) parsePackage(data []byte) (*Result, error) {
	pkg, err := cardcodec.ParsePackage(data, r.opts)
	if err != nil {
		return nil, err
	}
	switch len(pkg.Items) {
	case 0:
		return nil, cardcodec.ErrNotAPackage
	case 1:
		item := &pkg.Items[0]
		card, err := item.ToCard(pkg.Meta)
		if err != nil {
			return nil, err
		}
		return &Result{
			Kind: KindSingle,
			Single: &Single{
				Format:      model.FormatVoxta,
				SpecVersion: card.Spec,
				Card:        card,
				Assets:      assets.FromPackageItem(item),
				Package:     pkg,
			},
		}, nil
	default:
		return &Result{Kind: KindCollection, Package: pkg}, nil
	}
}
