package main

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMsIdent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"users", "[users]"},
		{"order", "[order]"},
		{"has space", "[has space]"},
		{"odd]name", "[odd]]name]"},
		{"Upper", "[Upper]"},
	}
	for _, tt := range tests {
		if got := msIdent(tt.in); got != tt.want {
			t.Errorf("msIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMsLiteral(t *testing.T) {
	if got := msLiteral("it's"); got != "N'it''s'" {
		t.Errorf("msLiteral = %q", got)
	}
}

func TestPgIdent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"users", `"users"`},
		{"Upper", `"Upper"`},
		{`we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		if got := pgIdent(tt.in); got != tt.want {
			t.Errorf("pgIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := pgTable(TableRef{Schema: "public", Name: "Users"}); got != `"public"."Users"` {
		t.Errorf("pgTable = %q", got)
	}
}

func TestObjectNames(t *testing.T) {
	ref := TableRef{Schema: "public", Name: "users"}
	if got := primaryKeyName(ref); got != "PK_public_users" {
		t.Errorf("primaryKeyName = %q", got)
	}
	if got := indexName(ref, Index{Name: "users_email_idx"}); got != "IX_public_users_users_email_idx" {
		t.Errorf("indexName = %q", got)
	}
	if got := foreignKeyName(TableRef{Schema: "public", Name: "orders"}, ForeignKey{Name: "orders_customer_id_fkey"}); got != "FK_public_orders_orders_customer_id_fkey" {
		t.Errorf("foreignKeyName = %q", got)
	}
}

func TestObjectName_Truncates(t *testing.T) {
	long := strings.Repeat("a", 100)
	a := objectName("IX", "public", long, long+"x")
	b := objectName("IX", "public", long, long+"y")

	if n := utf8.RuneCountInString(a); n != maxMSSQLIdentLen {
		t.Errorf("len = %d, want %d", n, maxMSSQLIdentLen)
	}
	if a == b {
		t.Error("truncated names collide")
	}
	if objectName("IX", "public", long, long+"x") != a {
		t.Error("objectName is not deterministic")
	}

	multi := objectName("FK", strings.Repeat("é", 200))
	if !utf8.ValidString(multi) {
		t.Error("truncation split a multi-byte rune")
	}
}
