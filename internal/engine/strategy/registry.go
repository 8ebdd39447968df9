// Package strategy maps each ErrorKind to its ordered list of recovery
// stages. Stages run from least to most invasive; numeric transforms are
// multiplicative and monotonic, clamped to configured maxima. A transform
// that would exceed its clamp returns ErrLimitExceeded, which the recovery
// engine treats as exhaustion rather than a silent no-op.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// ErrLimitExceeded is returned by a transform whose bump would pass the
// configured maximum.
var ErrLimitExceeded = errors.New("transform limit exceeded")

// TransformFunc is a pure transformation of a job request. It must not touch
// anything outside the request.
type TransformFunc func(domain.JobRequest) (domain.JobRequest, error)

// Stage is one ordered, bounded repair step for an ErrorKind.
type Stage struct {
	Name        string
	MaxAttempts int
	Transform   TransformFunc
}

// Options holds the transform parameters and clamps. Zero values are filled
// from DefaultOptions by New.
type Options struct {
	MemoryFactor    float64
	MaxMemoryMB     int
	WalltimeFactor  float64
	MaxWalltimeMins int
	MaxCycleFactor  float64
	MaxMaxCycle     int
	FMixingFactor   float64
	MaxFMixing      int
	ShrinkFactor    float64
	MaxShrink       int
	SymmTolFactor   float64
	MaxSymmTol      float64
	CellScaleFactor float64
	MaxCellScale    float64

	// MaxRetries overrides a kind's total automated-attempt ceiling.
	// Kinds absent from the map use the sum of their stages' MaxAttempts.
	MaxRetries map[domain.ErrorKind]int

	// ResubmitDelay holds the per-kind wait before a recovery resubmission
	// becomes admissible.
	ResubmitDelay map[domain.ErrorKind]time.Duration
}

// DefaultOptions returns the stock transform parameters.
func DefaultOptions() Options {
	return Options{
		MemoryFactor:    1.5,
		MaxMemoryMB:     512000,
		WalltimeFactor:  1.5,
		MaxWalltimeMins: 4320,
		MaxCycleFactor:  2.0,
		MaxMaxCycle:     800,
		FMixingFactor:   1.4,
		MaxFMixing:      90,
		ShrinkFactor:    1.5,
		MaxShrink:       24,
		SymmTolFactor:   10.0,
		MaxSymmTol:      1e-4,
		CellScaleFactor: 1.03,
		MaxCellScale:    1.15,
	}
}

// Registry is the static ErrorKind -> []Stage mapping, validated at build
// time against the closed taxonomy.
type Registry struct {
	stages map[domain.ErrorKind][]Stage
	opts   Options
}

// New builds the registry from options. Unknown kinds in the option maps are
// rejected early instead of silently ignored.
func New(opts Options) (*Registry, error) {
	def := DefaultOptions()
	if opts.MemoryFactor <= 1 {
		opts.MemoryFactor = def.MemoryFactor
	}
	if opts.MaxMemoryMB <= 0 {
		opts.MaxMemoryMB = def.MaxMemoryMB
	}
	if opts.WalltimeFactor <= 1 {
		opts.WalltimeFactor = def.WalltimeFactor
	}
	if opts.MaxWalltimeMins <= 0 {
		opts.MaxWalltimeMins = def.MaxWalltimeMins
	}
	if opts.MaxCycleFactor <= 1 {
		opts.MaxCycleFactor = def.MaxCycleFactor
	}
	if opts.MaxMaxCycle <= 0 {
		opts.MaxMaxCycle = def.MaxMaxCycle
	}
	if opts.FMixingFactor <= 1 {
		opts.FMixingFactor = def.FMixingFactor
	}
	if opts.MaxFMixing <= 0 {
		opts.MaxFMixing = def.MaxFMixing
	}
	if opts.ShrinkFactor <= 1 {
		opts.ShrinkFactor = def.ShrinkFactor
	}
	if opts.MaxShrink <= 0 {
		opts.MaxShrink = def.MaxShrink
	}
	if opts.SymmTolFactor <= 1 {
		opts.SymmTolFactor = def.SymmTolFactor
	}
	if opts.MaxSymmTol <= 0 {
		opts.MaxSymmTol = def.MaxSymmTol
	}
	if opts.CellScaleFactor <= 1 {
		opts.CellScaleFactor = def.CellScaleFactor
	}
	if opts.MaxCellScale <= 1 {
		opts.MaxCellScale = def.MaxCellScale
	}

	for kind := range opts.MaxRetries {
		if _, err := domain.ParseErrorKind(string(kind)); err != nil {
			return nil, fmt.Errorf("max_retries: %w", err)
		}
	}
	for kind := range opts.ResubmitDelay {
		if _, err := domain.ParseErrorKind(string(kind)); err != nil {
			return nil, fmt.Errorf("resubmit_delay: %w", err)
		}
	}

	return &Registry{
		stages: buildStages(opts),
		opts:   opts,
	}, nil
}

// Stages returns the ordered stage list for a kind. Kinds with no automated
// repair (disk space, generic basis-set defects, unknown) return an empty
// list and escalate on first occurrence.
func (r *Registry) Stages(kind domain.ErrorKind) []Stage {
	return r.stages[kind]
}

// Ceiling returns the kind's total automated-attempt ceiling.
func (r *Registry) Ceiling(kind domain.ErrorKind) int {
	if n, ok := r.opts.MaxRetries[kind]; ok {
		return n
	}
	total := 0
	for _, st := range r.stages[kind] {
		total += st.MaxAttempts
	}
	return total
}

// StageFor maps the number of prior (material, kind) attempts onto the stage
// to try next. ok is false when the kind's stages or ceiling are exhausted.
func (r *Registry) StageFor(kind domain.ErrorKind, priorAttempts int) (int, Stage, bool) {
	if priorAttempts >= r.Ceiling(kind) {
		return 0, Stage{}, false
	}
	remaining := priorAttempts
	for i, st := range r.stages[kind] {
		if remaining < st.MaxAttempts {
			return i, st, true
		}
		remaining -= st.MaxAttempts
	}
	return 0, Stage{}, false
}

// ResubmitDelay returns the configured delay before a recovery resubmission
// for this kind becomes admissible.
func (r *Registry) ResubmitDelay(kind domain.ErrorKind) time.Duration {
	return r.opts.ResubmitDelay[kind]
}
