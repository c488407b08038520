package db

import (
	"strings"
	"testing"

	"github.com/doug-martin/goqu/v9"
)

func TestSelect_UsesNumberedPlaceholders(t *testing.T) {
	query, args, err := Select("medication", "id", "name").
		Where(goqu.C("active").IsTrue(), goqu.C("category").Eq("analgesic")).
		Limit(20).
		ToSQL()
	if err != nil {
		t.Fatalf("ToSQL() error: %v", err)
	}
	if !strings.Contains(query, `"category" = $1`) {
		t.Errorf("expected $1 placeholder, got %s", query)
	}
	if strings.Contains(query, "analgesic") {
		t.Errorf("expected value to be passed as an argument, got %s", query)
	}
	if len(args) == 0 || args[0] != "analgesic" {
		t.Errorf("unexpected args %v", args)
	}
}
