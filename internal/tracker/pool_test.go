package tracker

import "testing"

func TestParamPoolGetOrCreate(t *testing.T) {
	p := NewParamPool()

	params := p.GetOrCreate("list")
	if params["operation"] != "list" {
		t.Errorf("params = %v, want list template", params)
	}

	// Copies, not the shared template.
	params["operation"] = "mutated"
	if p.GetOrCreate("list")["operation"] != "list" {
		t.Error("caller mutation leaked into the pool")
	}
}

func TestParamPoolUnknownKey(t *testing.T) {
	p := NewParamPool()

	params := p.GetOrCreate("no-such-template")
	if params == nil {
		t.Fatal("unknown key should yield an empty map, not nil")
	}
	if len(params) != 0 {
		t.Errorf("params = %v, want empty", params)
	}
}

func TestParamPoolAdd(t *testing.T) {
	p := NewParamPool()

	src := map[string]string{"operation": "export", "format": "csv"}
	p.Add("export-csv", src)

	// The source map is copied on the way in.
	src["format"] = "poisoned"
	got := p.GetOrCreate("export-csv")
	if got["format"] != "csv" {
		t.Errorf("format = %q, want csv", got["format"])
	}
}

func TestParamPoolKeys(t *testing.T) {
	p := NewParamPool()
	p.Add("custom", map[string]string{"a": "b"})

	found := false
	for _, k := range p.Keys() {
		if k == "custom" {
			found = true
		}
	}
	if !found {
		t.Error("registered key missing from Keys()")
	}
}
