package main

import "testing"

func TestSourceObjectWarnings(t *testing.T) {
	if w := sourceObjectWarnings(nil); w != nil {
		t.Fatalf("nil objects: got %v", w)
	}
	if w := sourceObjectWarnings(&SourceObjects{}); len(w) != 0 {
		t.Fatalf("empty objects: got %v", w)
	}

	w := sourceObjectWarnings(&SourceObjects{
		Views:     []string{"public.active_users"},
		Routines:  []string{"FUNCTION public.touch", "PROCEDURE public.archive"},
		Triggers:  []string{"public.users_touch"},
		Sequences: []string{"public.invoice_no"},
	})
	if len(w) != 6 {
		t.Fatalf("warnings len = %d, want 6 (%v)", len(w), w)
	}
	if w[0] != "source contains non-table objects not migrated automatically (1 views, 2 routines, 1 triggers, 1 sequences)" {
		t.Errorf("summary = %q", w[0])
	}
	if w[2] != "routine: FUNCTION public.touch" {
		t.Errorf("routine warning = %q", w[2])
	}
	if w[5] != "sequence: public.invoice_no" {
		t.Errorf("sequence warning = %q", w[5])
	}
}
