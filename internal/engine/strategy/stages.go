package strategy

import (
	"math"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// buildStages assembles the per-kind stage lists, least invasive first.
// DiskSpaceError and BasisSetError carry no automated stages: their root
// cause needs human judgment (quota cleanup, expert basis selection).
func buildStages(opts Options) map[domain.ErrorKind][]Stage {
	return map[domain.ErrorKind][]Stage{
		domain.ConvergenceError: {
			{
				Name:        "raise-maxcycle",
				MaxAttempts: 1,
				Transform:   scaleMaxCycle(opts.MaxCycleFactor, opts.MaxMaxCycle),
			},
			{
				Name:        "adjust-fmixing",
				MaxAttempts: 1,
				Transform:   scaleFMixing(opts.FMixingFactor, opts.MaxFMixing),
			},
		},
		domain.MemoryError: {
			{
				Name:        "bump-memory",
				MaxAttempts: 2,
				Transform:   scaleMemory(opts.MemoryFactor, opts.MaxMemoryMB),
			},
		},
		domain.TimeoutError: {
			{
				Name:        "extend-walltime",
				MaxAttempts: 2,
				Transform:   scaleWalltime(opts.WalltimeFactor, opts.MaxWalltimeMins),
			},
		},
		domain.ShrinkError: {
			{
				Name:        "raise-shrink",
				MaxAttempts: 1,
				Transform:   scaleShrink(opts.ShrinkFactor, opts.MaxShrink),
			},
		},
		domain.GeometryError: {
			{
				Name:        "diagnostic-rerun",
				MaxAttempts: 1,
				Transform:   diagnosticRerun,
			},
			{
				Name:        "scale-cell",
				MaxAttempts: 1,
				Transform:   scaleCell(opts.CellScaleFactor, opts.MaxCellScale),
			},
		},
		domain.SymmetryError: {
			{
				Name:        "loosen-symmtol",
				MaxAttempts: 1,
				Transform:   scaleSymmTol(opts.SymmTolFactor, opts.MaxSymmTol),
			},
		},
		domain.BasisLinearDependence: {
			{
				Name:        "diagnostic-rerun",
				MaxAttempts: 1,
				Transform:   diagnosticRerun,
			},
			{
				Name:        "scale-cell",
				MaxAttempts: 1,
				Transform:   scaleCell(opts.CellScaleFactor, opts.MaxCellScale),
			},
		},
		domain.DiskSpaceError: nil,
		domain.BasisSetError:  nil,
	}
}

// diagnosticRerun resubmits with unchanged parameters plus the diagnostic
// flag, so the follow-up output carries enough detail for the next stage.
func diagnosticRerun(req domain.JobRequest) (domain.JobRequest, error) {
	req.Params.DiagnosticOnly = true
	return req, nil
}

func scaleMemory(factor float64, maxMB int) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		next := int(math.Ceil(float64(req.Resources.MemoryMB) * factor))
		if next > maxMB {
			return req, ErrLimitExceeded
		}
		req.Resources.MemoryMB = next
		return req, nil
	}
}

func scaleWalltime(factor float64, maxMins int) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		next := int(math.Ceil(float64(req.Resources.WalltimeMins) * factor))
		if next > maxMins {
			return req, ErrLimitExceeded
		}
		req.Resources.WalltimeMins = next
		return req, nil
	}
}

func scaleMaxCycle(factor float64, maxCycles int) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		next := int(math.Ceil(float64(req.Params.MaxCycle) * factor))
		if next > maxCycles {
			return req, ErrLimitExceeded
		}
		req.Params.MaxCycle = next
		return req, nil
	}
}

func scaleFMixing(factor float64, maxMixing int) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		next := int(math.Ceil(float64(req.Params.FMixing) * factor))
		if next > maxMixing {
			next = maxMixing
		}
		if next == req.Params.FMixing {
			return req, ErrLimitExceeded
		}
		req.Params.FMixing = next
		return req, nil
	}
}

func scaleShrink(factor float64, maxShrink int) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		next := int(math.Ceil(float64(req.Params.Shrink) * factor))
		if next > maxShrink {
			return req, ErrLimitExceeded
		}
		req.Params.Shrink = next
		return req, nil
	}
}

func scaleSymmTol(factor float64, maxTol float64) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		next := req.Params.SymmTol * factor
		if next > maxTol {
			return req, ErrLimitExceeded
		}
		req.Params.SymmTol = next
		return req, nil
	}
}

func scaleCell(factor float64, maxScale float64) TransformFunc {
	return func(req domain.JobRequest) (domain.JobRequest, error) {
		scale := req.Params.CellScale
		if scale == 0 {
			scale = 1.0
		}
		next := scale * factor
		if next > maxScale {
			return req, ErrLimitExceeded
		}
		req.Params.CellScale = next
		req.Params.DiagnosticOnly = false
		return req, nil
	}
}
