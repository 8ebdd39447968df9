// Package classify assigns an ErrorKind to a failed job's captured output.
//
// Classification is signature matching over text, evaluated in a fixed
// priority order: more specific signatures (the linear-dependence marker)
// are checked before more generic ones (basis set) so a specific failure is
// never swallowed by a broader kind.
package classify

import (
	"strings"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// signature binds an ErrorKind to the output markers that identify it. A job
// output matches when it contains any of the markers (case-insensitive).
type signature struct {
	kind    domain.ErrorKind
	markers []string
}

// signatures is the priority-ordered taxonomy. Order matters:
// BasisLinearDependence must precede BasisSetError.
var signatures = []signature{
	{domain.BasisLinearDependence, []string{
		"basis set linearly dependent",
		"linear dependence catastrophe",
	}},
	{domain.BasisSetError, []string{
		"error in basis set",
		"basis set not found",
		"atomic number not in basis",
	}},
	{domain.ShrinkError, []string{
		"shrink factor inconsistent",
		"anisotropic shrinking factor too small",
	}},
	{domain.MemoryError, []string{
		"out of memory",
		"oom-kill",
		"insufficient memory",
		"allocation of array failed",
	}},
	{domain.ConvergenceError, []string{
		"scf not converged",
		"too many cycles",
		"convergence not reached",
	}},
	{domain.TimeoutError, []string{
		"due to time limit",
		"walltime exceeded",
		"job step timed out",
	}},
	{domain.DiskSpaceError, []string{
		"no space left on device",
		"disk quota exceeded",
	}},
	{domain.GeometryError, []string{
		"geometry optimization failed",
		"atoms too close",
		"small interatomic distance",
	}},
	{domain.SymmetryError, []string{
		"symmetry operators inconsistent",
		"wrong symmops",
		"symmetry analysis failed",
	}},
}

// Classify inspects captured job output and returns the matching ErrorKind,
// or UnknownError when no signature matches. Unknown failures are never
// blindly retried; the recovery engine escalates them immediately.
func Classify(output string) domain.ErrorKind {
	lower := strings.ToLower(output)
	for _, sig := range signatures {
		for _, m := range sig.markers {
			if strings.Contains(lower, m) {
				return sig.kind
			}
		}
	}
	return domain.UnknownError
}
