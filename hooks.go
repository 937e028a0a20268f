package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// goLineRe matches a sqlcmd-style batch separator line, with an optional
// repeat count and trailing comment.
var goLineRe = regexp.MustCompile(`(?i)^\s*GO(?:\s+(\d+))?\s*(?:--.*)?$`)

// loadAndExecSQLFiles reads each T-SQL file, expands {{schemas}}, and executes
// every batch.
func loadAndExecSQLFiles(ctx context.Context, ex sqlExecer, cfg *MigrationConfig, files []string, phase string) error {
	if len(files) == 0 {
		return nil
	}
	log.Printf("  running %s hooks (%d files)...", phase, len(files))

	for _, f := range files {
		path := cfg.resolvePath(f)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}

		script := strings.ReplaceAll(string(data), "{{schemas}}", schemaListLiteral(cfg.Schemas))
		batches := splitBatches(script)

		log.Printf("    %s: %d batches", f, len(batches))
		for i, batch := range batches {
			if _, err := ex.ExecContext(ctx, batch); err != nil {
				return fmt.Errorf("hook %s: %s: batch %d: %w\nSQL: %s", phase, f, i+1, err, batch)
			}
		}
	}
	return nil
}

// schemaListLiteral renders schemas as N'a', N'b' for use in IN (...) lists.
func schemaListLiteral(schemas []string) string {
	lits := make([]string, len(schemas))
	for i, s := range schemas {
		lits[i] = msLiteral(s)
	}
	return strings.Join(lits, ", ")
}

// splitBatches splits T-SQL text into batches on standalone GO lines.
// GO inside string literals, quoted identifiers and block comments does not
// split. "GO n" repeats the preceding batch n times.
func splitBatches(sql string) []string {
	var batches []string
	var current strings.Builder
	var st lexState

	flush := func(repeat int) {
		s := strings.TrimSpace(current.String())
		current.Reset()
		if s == "" {
			return
		}
		for range repeat {
			batches = append(batches, s)
		}
	}

	for _, line := range strings.SplitAfter(sql, "\n") {
		if st.clean() {
			if m := goLineRe.FindStringSubmatch(strings.TrimRight(line, "\r\n")); m != nil {
				repeat := 1
				if m[1] != "" {
					if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
						repeat = n
					}
				}
				flush(repeat)
				continue
			}
		}
		current.WriteString(line)
		st.scan(line)
	}
	flush(1)

	return batches
}

// lexState tracks the T-SQL lexical context that can span lines.
type lexState struct {
	inSingleQuote     bool
	inDoubleQuote     bool
	inBracket         bool
	blockCommentDepth int
}

func (s *lexState) clean() bool {
	return !s.inSingleQuote && !s.inDoubleQuote && !s.inBracket && s.blockCommentDepth == 0
}

// scan advances the state over one line. Line comments end with the line.
func (s *lexState) scan(line string) {
	for i := 0; i < len(line); i++ {
		c := line[i]
		next := byte(0)
		if i+1 < len(line) {
			next = line[i+1]
		}

		switch {
		case s.blockCommentDepth > 0:
			if c == '/' && next == '*' {
				s.blockCommentDepth++
				i++
			} else if c == '*' && next == '/' {
				s.blockCommentDepth--
				i++
			}
		case s.inSingleQuote:
			if c == '\'' {
				if next == '\'' {
					i++
				} else {
					s.inSingleQuote = false
				}
			}
		case s.inDoubleQuote:
			if c == '"' {
				if next == '"' {
					i++
				} else {
					s.inDoubleQuote = false
				}
			}
		case s.inBracket:
			if c == ']' {
				if next == ']' {
					i++
				} else {
					s.inBracket = false
				}
			}
		case c == '-' && next == '-':
			return
		case c == '/' && next == '*':
			s.blockCommentDepth = 1
			i++
		case c == '\'':
			s.inSingleQuote = true
		case c == '"':
			s.inDoubleQuote = true
		case c == '[':
			s.inBracket = true
		}
	}
}
