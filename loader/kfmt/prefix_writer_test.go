package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{"", ""},
		{"\n", "[mod] \n"},
		{"single line", "[mod] single line"},
		{"line with break\n", "[mod] line with break\n"},
		{"first\nsecond\nthird", "[mod] first\n[mod] second\n[mod] third"},
		{"\n\n", "[mod] \n[mod] \n"},
	}

	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("[mod] ")}
	)

	for specIndex, spec := range specs {
		buf.Reset()
		w.midLine = false

		wrote, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if wrote != len(spec.input) {
			t.Errorf("[spec %d] expected %d written bytes; got %d", specIndex, len(spec.input), wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterSinkError(t *testing.T) {
	expErr := errors.New("sink write failed")
	w := PrefixWriter{Sink: failingWriter{expErr}, Prefix: []byte("p: ")}

	if _, err := w.Write([]byte("payload\n")); err != expErr {
		t.Errorf("expected error %v; got %v", expErr, err)
	}
}

type failingWriter struct {
	err error
}

func (w failingWriter) Write(_ []byte) (int, error) {
	return 0, w.err
}
