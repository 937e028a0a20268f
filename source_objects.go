package main

import "fmt"

// SourceObjects holds PostgreSQL objects outside the table set that need
// manual migration to T-SQL.
type SourceObjects struct {
	Views     []string
	Routines  []string
	Triggers  []string
	Sequences []string // standalone, not owned by a serial or identity column
}

func (o *SourceObjects) empty() bool {
	return len(o.Views) == 0 && len(o.Routines) == 0 && len(o.Triggers) == 0 && len(o.Sequences) == 0
}

func sourceObjectWarnings(objs *SourceObjects) []string {
	if objs == nil {
		return nil
	}

	var warnings []string
	if objs.empty() {
		return warnings
	}

	warnings = append(warnings,
		fmt.Sprintf(
			"source contains non-table objects not migrated automatically (%d views, %d routines, %d triggers, %d sequences)",
			len(objs.Views), len(objs.Routines), len(objs.Triggers), len(objs.Sequences),
		),
	)
	for _, v := range objs.Views {
		warnings = append(warnings, "view: "+v)
	}
	for _, r := range objs.Routines {
		warnings = append(warnings, "routine: "+r)
	}
	for _, t := range objs.Triggers {
		warnings = append(warnings, "trigger: "+t)
	}
	for _, s := range objs.Sequences {
		warnings = append(warnings, "sequence: "+s)
	}
	return warnings
}
