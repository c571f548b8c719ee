package contentfilter

import "testing"

func TestParseRuleRange(t *testing.T) {
	r, ok := ParseRule("<sys>*</sys>")
	if !ok || r.Mode != ModeRange || r.Start != "<sys>" || r.End != "</sys>" {
		t.Fatalf("unexpected parse: %+v ok=%v", r, ok)
	}
}

func TestParseRuleHead(t *testing.T) {
	r, ok := ParseRule("{{>*</think>")
	if !ok || r.Mode != ModeHead || r.End != "</think>" {
		t.Fatalf("unexpected parse: %+v ok=%v", r, ok)
	}
}

func TestParseRuleTail(t *testing.T) {
	r, ok := ParseRule("<footer>*>}}")
	if !ok || r.Mode != ModeTail || r.Start != "<footer>" {
		t.Fatalf("unexpected parse: %+v ok=%v", r, ok)
	}
}

func TestParseRuleInvalid(t *testing.T) {
	cases := []string{"", "no-wildcard-here", "{{>*", "*>}}"}
	for _, c := range cases {
		if _, ok := ParseRule(c); ok {
			t.Fatalf("expected %q to be invalid", c)
		}
	}
}

func TestApplyRangeRemovesMultipleOccurrences(t *testing.T) {
	r := Rule{Mode: ModeRange, Start: "<x>", End: "</x>"}
	got := Apply("a<x>one</x>b<x>two</x>c", r)
	if got != "ab c" && got != "abc" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestApplyHeadRemovesPrefix(t *testing.T) {
	r := Rule{Mode: ModeHead, End: "</think>"}
	got := Apply("reasoning blah</think>the actual reply", r)
	if got != "the actual reply" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestApplyTailRemovesSuffix(t *testing.T) {
	r := Rule{Mode: ModeTail, Start: "[debug]"}
	got := Apply("hello there[debug] dumping state", r)
	if got != "hello there" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestFilterContentSkipsInvalidRules(t *testing.T) {
	got := FilterContent("hi <x>junk</x> there", []string{"not-a-rule", "<x>*</x>"})
	if got != "hi  there" && got != "hi there" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestManagerIndependentPipelines(t *testing.T) {
	m := Manager{
		OutputEnabled: true,
		OutputRules:   []string{"<x>*</x>"},
		SaveEnabled:   false,
		SaveRules:     []string{"<x>*</x>"},
	}
	content := "keep<x>drop</x>keep"
	if out := m.FilterForOutput(content); out == content {
		t.Fatalf("expected output filter to change content")
	}
	if saved := m.FilterForSave(content); saved != content {
		t.Fatalf("expected save filter disabled to leave content untouched, got %q", saved)
	}
}
