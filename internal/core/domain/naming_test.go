package domain

import "testing"

func TestStageQualifiedName(t *testing.T) {
	if got := StageQualifiedName("MgO_bulk", "OPT"); got != "MgO_bulk_OPT" {
		t.Errorf("expected MgO_bulk_OPT, got %s", got)
	}
}

func TestStageQualifiedName_Idempotent(t *testing.T) {
	once := StageQualifiedName("MgO_bulk", "SP")
	twice := StageQualifiedName(once, "SP")
	if once != twice {
		t.Errorf("re-suffixing changed the name: %s vs %s", once, twice)
	}
}

func TestStageQualifiedName_SpecialCharacters(t *testing.T) {
	ids := []string{
		"Ca3(PO4)2",
		"La0.5Sr0.5CoO3-d",
		"mp-1234 [ICSD #56789]",
		"TiO2/anatase (001) slab",
		"already_OPT_suffixed_SP",
	}
	for _, id := range ids {
		once := StageQualifiedName(id, "OPT")
		twice := StageQualifiedName(once, "OPT")
		if once != twice {
			t.Errorf("%q: double suffix produced %q", id, twice)
		}
		if once != id+"_OPT" && once != id {
			t.Errorf("%q: identifier not preserved verbatim in %q", id, once)
		}
	}
}

func TestStageQualifiedName_AlreadySuffixed(t *testing.T) {
	if got := StageQualifiedName("MgO_bulk_OPT", "OPT"); got != "MgO_bulk_OPT" {
		t.Errorf("expected MgO_bulk_OPT unchanged, got %s", got)
	}
	// A different stage must still append.
	if got := StageQualifiedName("MgO_bulk_OPT", "SP"); got != "MgO_bulk_OPT_SP" {
		t.Errorf("expected MgO_bulk_OPT_SP, got %s", got)
	}
}
