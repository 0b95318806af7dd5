package server

import "testing"

func TestClassifySQL(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		scope   PinScope
		discard bool
	}{
		{"plain select", "SELECT * FROM users", PinNone, false},
		{"plain insert", "INSERT INTO users (name) VALUES (?)", PinNone, false},
		{"temp table", "CREATE TEMP TABLE scratch (id INTEGER)", PinSession, true},
		{"temporary table", "CREATE TEMPORARY TABLE scratch (id INTEGER)", PinSession, true},
		{"temporary view", "create temporary view v as select 1", PinSession, true},
		{"temp column name", "SELECT temperature FROM readings", PinNone, false},
		{"set variable", "SET search_path TO reporting", PinSession, false},
		{"set lowercase with space", "  set role auditor", PinSession, false},
		{"pragma", "PRAGMA foreign_keys = ON", PinSession, false},
		{"offset keyword not set", "SELECT * FROM settings", PinNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, discard := classifySQL(tt.sql)
			if scope != tt.scope {
				t.Errorf("Expected scope %v, got %v", tt.scope, scope)
			}
			if discard != tt.discard {
				t.Errorf("Expected discard %v, got %v", tt.discard, discard)
			}
		})
	}
}

func TestPinScopeString(t *testing.T) {
	if PinNone.String() != "none" || PinTxn.String() != "transaction" || PinSession.String() != "session" {
		t.Error("PinScope string names changed")
	}
}
