package dialog

import "testing"

func TestEvalDest(t *testing.T) {
	visited := []string{"intro", "menu", "balance"}
	cases := []struct {
		name string
		dest string
		want string
	}{
		{"literal passthrough", "menu", "menu"},
		{"prev match", "EVAL: if(prev==intro:replay)else(exit)", "replay"},
		{"prev miss takes else", "EVAL: if(prev==transfer:agent)else(exit)", "exit"},
		{"prev negated", "EVAL: if(prev!=transfer:fresh)else(seen)", "fresh"},
		{"last match", "EVAL: if(last==balance:statement)else(menu)", "statement"},
		{"last negated misses", "EVAL: if(last!=balance:menu)else(statement)", "statement"},
		{"elif chain", "EVAL: if(prev==transfer:agent)elif(prev==menu:again)else(exit)", "again"},
		{"no clause matches", "EVAL: if(prev==transfer:agent)elif(last==intro:replay)", ""},
		{"whitespace ignored", "EVAL: if( prev == intro : replay ) else ( exit )", "replay"},
		{"malformed test", "EVAL: if(prev=intro:replay)", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evalDest(tc.dest, visited); got != tc.want {
				t.Fatalf("evalDest(%q) = %q, want %q", tc.dest, got, tc.want)
			}
		})
	}
}

func TestEvalDestEmptyTrail(t *testing.T) {
	if got := evalDest("EVAL: if(prev==menu:a)else(b)", nil); got != "b" {
		t.Fatalf("got %q, want %q", got, "b")
	}
	if got := evalDest("EVAL: if(last!=menu:a)else(b)", nil); got != "a" {
		t.Fatalf("got %q, want %q", got, "a")
	}
}

func TestParseEvalRejectsBadClauses(t *testing.T) {
	bad := []string{
		"EVAL:",
		"EVAL: noparens",
		"EVAL: if(prevmenu)",
		"EVAL: while(prev==a:b)",
		"EVAL: if(first==a:b)",
		"EVAL: else()",
	}
	for _, dest := range bad {
		if _, err := parseEval(dest); err == nil {
			t.Errorf("parseEval(%q) accepted a malformed expression", dest)
		}
	}
}
