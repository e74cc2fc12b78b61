package masking

import "testing"

func TestNoneDumpsEverything(t *testing.T) {
	var m None
	if !m.ShouldDumpStructure("users") || !m.ShouldDumpData("users") {
		t.Fatal("expected None to dump everything")
	}
	doc := Document{"_key": "1"}
	out, ok := m.Mask("users", doc)
	if !ok {
		t.Fatal("expected None.Mask to keep every document")
	}
	if out["_key"] != "1" {
		t.Errorf("expected identity transform, got %v", out)
	}
	if !m.Passthrough() {
		t.Error("expected None to report Passthrough")
	}
}
