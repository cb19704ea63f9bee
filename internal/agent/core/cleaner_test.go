package core

import "testing"

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		err  bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"prose wrapped", `Here is the result: {"a": [1, 2]} as requested.`, `{"a": [1, 2]}`, false},
		{"fenced", "```json\n{\"lang\": \"de\"}\n```", `{"lang": "de"}`, false},
		{"braces in strings", `{"msg": "use } carefully"}`, `{"msg": "use } carefully"}`, false},
		{"escaped quote", `{"msg": "say \"hi\""}`, `{"msg": "say \"hi\""}`, false},
		{"array", `noise [1, {"x":2}] trailing`, `[1, {"x":2}]`, false},
		{"byte order mark", "\uFEFF{\"a\":1}", `{"a":1}`, false},
		{"unbalanced", `{"a": [1, 2}`, "", true},
		{"no json", "just prose here", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
