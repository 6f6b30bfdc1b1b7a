package config

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func mustParse(t *testing.T, input string) CommandList {
	t.Helper()

	var errBuf bytes.Buffer
	list, err := NewParser(&errBuf).Parse(BytesSource([]byte(input)))
	if err != nil {
		t.Fatalf("unexpected parse error: %v (%s)", err, errBuf.String())
	}

	return list
}

func TestParseSimpleCommands(t *testing.T) {
	list := mustParse(t, "set \"timeout\" 5\nentry \"A\" { kboot \"/k\" [ \"/m\" ] }\n")

	if len(list) != 2 {
		t.Fatalf("expected 2 commands; got %d", len(list))
	}

	set := list[0]
	if set.Name != "set" || set.Line != 1 || len(set.Args) != 2 {
		t.Fatalf("unexpected first command: %+v", set)
	}
	if !set.Args[0].Equals(StringVal("timeout")) || !set.Args[1].Equals(IntegerVal(5)) {
		t.Errorf("unexpected set arguments: %+v", set.Args)
	}

	entry := list[1]
	if entry.Name != "entry" || entry.Line != 2 || len(entry.Args) != 2 {
		t.Fatalf("unexpected second command: %+v", entry)
	}
	if entry.Args[1].Kind() != CommandListValue {
		t.Fatalf("expected a command block argument; got kind %d", entry.Args[1].Kind())
	}

	block := entry.Args[1].Commands()
	if len(block) != 1 || block[0].Name != "kboot" {
		t.Fatalf("unexpected nested block: %+v", block)
	}
	if !block[0].Args[1].Equals(ListVal(StringVal("/m"))) {
		t.Errorf("unexpected module list: %+v", block[0].Args[1])
	}
}

func TestParseNumberBases(t *testing.T) {
	specs := []struct {
		input string
		exp   uint64
	}{
		{"set \"x\" 42\n", 42},
		{"set \"x\" 0x2a\n", 0x2a},
		{"set \"x\" 0X2A\n", 0x2a},
		{"set \"x\" 052\n", 42},
		{"set \"x\" 0\n", 0},
	}

	for specIndex, spec := range specs {
		list := mustParse(t, spec.input)
		if got := list[0].Args[1].Integer(); got != spec.exp {
			t.Errorf("[spec %d] expected %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestParseStringEscapes(t *testing.T) {
	list := mustParse(t, `set "x" "a \"quoted\" \\ string"`+"\n")

	if got := list[0].Args[1].String(); got != `a "quoted" \ string` {
		t.Errorf("unexpected string contents: %q", got)
	}
}

func TestParseCommentsAndSeparators(t *testing.T) {
	list := mustParse(t, "# leading comment\nset \"a\" 1; set \"b\" 2 # trailing\nset \"c\" 3\n")

	if len(list) != 3 {
		t.Fatalf("expected 3 commands; got %d", len(list))
	}
	for i, exp := range []string{"set", "set", "set"} {
		if list[i].Name != exp {
			t.Errorf("command %d: expected %q; got %q", i, exp, list[i].Name)
		}
	}
}

func TestParseBooleansAndReferences(t *testing.T) {
	list := mustParse(t, "hidden true\nset \"x\" $other\n")

	if !list[0].Args[0].Equals(BooleanVal(true)) {
		t.Errorf("expected boolean true; got %+v", list[0].Args[0])
	}
	if list[1].Args[1].Kind() != ReferenceValue || list[1].Args[1].Reference() != "other" {
		t.Errorf("expected reference to 'other'; got %+v", list[1].Args[1])
	}
}

func TestParseMultiLineList(t *testing.T) {
	list := mustParse(t, "kboot \"/k\" [\n\t\"/m1\",\n\t\"/m2\"\n]\n")

	exp := ListVal(StringVal("/m1"), StringVal("/m2"))
	if !list[0].Args[1].Equals(exp) {
		t.Errorf("unexpected list: %+v", list[0].Args[1])
	}
}

func TestParseErrorsReportLine(t *testing.T) {
	specs := []struct {
		input string
	}{
		{"set \"x\" \"unterminated\n"},
		{"set \"x\" 0xzz\n"},
		{"set \"x\" [1, ]\n"},
		{"entry \"A\" {\nkboot\n"},
		{"}\n"},
		{"set \"x\" !\n"},
	}

	for specIndex, spec := range specs {
		var errBuf bytes.Buffer
		_, err := NewParser(&errBuf).Parse(BytesSource([]byte(spec.input)))
		if err != errConfigParse {
			t.Errorf("[spec %d] expected errConfigParse; got %v", specIndex, err)
		}
		if !strings.Contains(errBuf.String(), "line") {
			t.Errorf("[spec %d] expected a line number in the error report; got %q", specIndex, errBuf.String())
		}
	}
}

func TestSourceSeesNestingDepth(t *testing.T) {
	input := []byte("entry \"A\" { kboot \"/k\" [ \"/m\" ] }\n")

	var (
		pos      int
		maxDepth int
	)
	src := func(depth int) (byte, error) {
		if depth > maxDepth {
			maxDepth = depth
		}
		if pos >= len(input) {
			return 0, io.EOF
		}
		pos++
		return input[pos-1], nil
	}

	var errBuf bytes.Buffer
	if _, err := NewParser(&errBuf).Parse(src); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	// Inside the module list both the block and the list are open.
	if maxDepth != 2 {
		t.Errorf("expected a maximum nesting depth of 2; got %d", maxDepth)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	inputs := []string{
		"set \"timeout\" 5\n",
		"set \"x\" 0x1000\nset \"y\" true\nset \"z\" \"quoted \\\" str\"\n",
		"entry \"A\" {\n\tkboot \"/k\" [\"/m1\", \"/m2\"]\n}\n",
		"set \"l\" [1, [2, 3], \"s\"]\nset \"r\" $other\n",
	}

	for specIndex, input := range inputs {
		first := mustParse(t, input)
		second := mustParse(t, Format(first))

		if !first.Equals(second) {
			t.Errorf("[spec %d] expected parse/format/parse to round-trip:\noriginal: %s\nformatted: %s", specIndex, input, Format(first))
		}
	}
}
