package router

import (
	"errors"

	"github.com/dharsanguruparan/cardvault/internal/cardcodec"
)

type strategy string

const (
	strategyPackage   strategy = "package"
	strategyContainer strategy = "container"
)

type step struct {
	strategy strategy
	// applies decides whether the step runs given the payload and the error
	// of the previous attempt (nil on the first attempt).
	applies func(data []byte, prev error) bool
}

// plan is the fallback order. The package parser runs first only when the
// payload carries a package manifest; otherwise it gets one last try when the
// generic parser rejects the payload as an archive it cannot read. Any other
// generic-parser failure is terminal.
var plan = []step{
	{
		strategy: strategyPackage,
		applies:  func(data []byte, _ error) bool { return cardcodec.LooksLikePackage(data) },
	},
	{
		strategy: strategyContainer,
		applies:  func([]byte, error) bool { return true },
	},
	{
		strategy: strategyPackage,
		applies: func(_ []byte, prev error) bool {
			return errors.Is(prev, cardcodec.ErrUnrecognizedArchive)
		},
	},
}
