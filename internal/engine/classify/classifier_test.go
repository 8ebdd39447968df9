package classify

import (
	"testing"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

func TestClassify_EachKind(t *testing.T) {
	cases := []struct {
		output string
		want   domain.ErrorKind
	}{
		{"SHRINK FACTOR INCONSISTENT WITH GEOMETRY", domain.ShrinkError},
		{"slurmstepd: error: Detected 1 oom-kill event(s)", domain.MemoryError},
		{"SCF NOT CONVERGED AFTER MAXCYCLE", domain.ConvergenceError},
		{"TOO MANY CYCLES", domain.ConvergenceError},
		{"CANCELLED AT 2026-08-01 DUE TO TIME LIMIT", domain.TimeoutError},
		{"write failed: No space left on device", domain.DiskSpaceError},
		{"ERROR IN BASIS SET INPUT", domain.BasisSetError},
		{"GEOMETRY OPTIMIZATION FAILED: step rejected", domain.GeometryError},
		{"BASIS SET LINEARLY DEPENDENT", domain.BasisLinearDependence},
		{"SYMMETRY OPERATORS INCONSISTENT", domain.SymmetryError},
		{"segmentation fault (core dumped)", domain.UnknownError},
		{"", domain.UnknownError},
	}

	for _, c := range cases {
		if got := Classify(c.output); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.output, got, c.want)
		}
	}
}

// The specific linear-dependence marker must win even when the output also
// contains a generic basis-set marker.
func TestClassify_Priority(t *testing.T) {
	output := "ERROR IN BASIS SET INPUT\nBASIS SET LINEARLY DEPENDENT\n"
	if got := Classify(output); got != domain.BasisLinearDependence {
		t.Errorf("expected basis_linear_dependence, got %s", got)
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	if got := Classify("Out Of Memory"); got != domain.MemoryError {
		t.Errorf("expected memory_error, got %s", got)
	}
}
