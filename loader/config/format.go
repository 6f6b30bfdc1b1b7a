package config

import (
	"bytes"

	"kboot/loader/kfmt"
)

// Format pretty-prints a command list in config language syntax. Parsing the
// result yields a command list structurally equal to the input.
func Format(list CommandList) string {
	var buf bytes.Buffer
	formatList(&buf, list, 0)
	return buf.String()
}

// FormatValue pretty-prints a single value. Strings are rendered without
// surrounding quotes; other values use config syntax.
func FormatValue(v Value) string {
	if v.Kind() == StringValue {
		return v.String()
	}

	var buf bytes.Buffer
	formatValue(&buf, v, 0)
	return buf.String()
}

func formatList(buf *bytes.Buffer, list CommandList, indent int) {
	for _, cmd := range list {
		writeIndent(buf, indent)
		buf.WriteString(cmd.Name)

		for _, arg := range cmd.Args {
			buf.WriteByte(' ')
			formatValue(buf, arg, indent)
		}

		buf.WriteByte('\n')
	}
}

func formatValue(buf *bytes.Buffer, v Value, indent int) {
	switch v.Kind() {
	case IntegerValue:
		kfmt.Fprintf(buf, "0x%x", v.Integer())

	case BooleanValue:
		if v.Boolean() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case StringValue:
		buf.WriteByte('"')
		for i := 0; i < len(v.String()); i++ {
			ch := v.String()[i]
			if ch == '"' || ch == '\\' {
				buf.WriteByte('\\')
			}
			buf.WriteByte(ch)
		}
		buf.WriteByte('"')

	case ReferenceValue:
		buf.WriteByte('$')
		buf.WriteString(v.Reference())

	case ListValue:
		buf.WriteByte('[')
		for i, elem := range v.List() {
			if i > 0 {
				buf.WriteString(", ")
			}
			formatValue(buf, elem, indent)
		}
		buf.WriteByte(']')

	case CommandListValue:
		buf.WriteString("{\n")
		formatList(buf, v.Commands(), indent+1)
		writeIndent(buf, indent)
		buf.WriteByte('}')
	}
}

func writeIndent(buf *bytes.Buffer, indent int) {
	for i := 0; i < indent; i++ {
		buf.WriteByte('\t')
	}
}
