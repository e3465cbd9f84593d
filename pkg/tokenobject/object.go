// Package tokenobject is the public façade for the replicated shared
// object described by this module: a value replicated across a fixed
// group of peers, reads served locally after proving read eligibility,
// writes applied everywhere under the group's token-based mutual
// exclusion. See core.Object for the implementation and token.Manager
// for the token ledger it is built on.
package tokenobject

import (
	"fmt"

	"github.com/jabolina/go-tokenobject/pkg/tokenobject/core"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/definition"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/transport"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/types"
)

// Object is the replicated shared object handle exposed to callers:
// New, Read, Write and Close, per the core spec's public API.
type Object = core.Object

// New builds a peer's handle to the replicated object. cfg.Rank and
// cfg.Size must already be set; a nil cfg.Logger gets a DefaultLogger.
// initial is only meaningful on rank 0 — every other rank obtains its
// starting value from rank 0 during construction, blocking until it
// arrives.
func New(cfg *types.Configuration, t transport.Transport, initial interface{}) (*Object, error) {
	log := cfg.Logger
	if log == nil {
		log = definition.NewDefaultLogger(fmt.Sprintf("tokenobject[%d]", cfg.Rank))
		cfg.Logger = log
	}
	return core.New(cfg, t, log, initial)
}
