package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the scratch buffer size for formatting numbers. It is
// large enough for a 64-bit value in base 8 plus a sign.
const numBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numBuf is a shared scratch buffer for number formatting. Using a
	// package-level buffer instead of a stack-allocated one prevents the
	// buffer from escaping to the heap through the io.Writer interface;
	// the loader heap is not available when the early console comes up.
	numBuf [numBufSize]byte

	// singleByte is a shared one-byte buffer for emitting characters from
	// format strings without slicing them (slicing a string allocates).
	singleByte = []byte{0}

	// outputSink is the io.Writer where Printf sends its output. While it
	// is nil, output accumulates in the debug log ring buffer only.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf output and replays any buffered
// early output into it. Passing nil redirects output back to the debug log
// ring buffer only.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		debugLog.WriteTo(w)
	}
}

// GetOutputSink returns the Writer that currently receives Printf output.
// If no sink has been attached yet, the debug log ring buffer is returned.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &debugLog
	}

	return outputSink
}

// Printf writes formatted output to the active console sink and to the debug
// log ring buffer. It is safe to call before any console is available and it
// performs no heap allocations.
//
// The supported verb subset is:
//
//	%s  string or []byte
//	%d  integer, base 10
//	%x  integer, base 16 (lower-case)
//	%o  integer, base 8
//	%t  boolean
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-16 and base-8 integers are
// left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(&console, format, args...)
}

// consoleWriter tees Printf output to the debug log ring buffer and, once one
// has been attached, to the active console sink. The debug log copy is what
// eventually reaches the kernel through the Log boot tag.
type consoleWriter struct{}

var console consoleWriter

func (consoleWriter) Write(p []byte) (int, error) {
	debugLog.Write(p)
	if outputSink != nil {
		outputSink.Write(p)
	}

	return len(p), nil
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		pos, argIndex, width int
		fmtLen               = len(format)
	)

	for pos < fmtLen {
		if format[pos] != '%' {
			emitByte(w, format[pos])
			pos++
			continue
		}

		// Consume the verb; a width may precede it.
		width = 0
		pos++
	scanVerb:
		for ; pos < fmtLen; pos++ {
			ch := format[pos]
			switch {
			case ch == '%':
				emitByte(w, '%')
				pos++
				break scanVerb
			case ch >= '0' && ch <= '9':
				width = width*10 + int(ch-'0')
			case ch == 's' || ch == 'd' || ch == 'x' || ch == 'o' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					pos++
					break scanVerb
				}

				switch ch {
				case 's':
					fmtString(w, args[argIndex], width)
				case 'd':
					fmtInt(w, args[argIndex], 10, width)
				case 'x':
					fmtInt(w, args[argIndex], 16, width)
				case 'o':
					fmtInt(w, args[argIndex], 8, width)
				case 't':
					fmtBool(w, args[argIndex])
				}

				argIndex++
				pos++
				break scanVerb
			default:
				// An unknown verb still consumes its argument.
				doWrite(w, errNoVerb)
				if argIndex < len(args) {
					argIndex++
				}
				pos++
				break scanVerb
			}
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool emits "true" or "false" for boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, isBool := v.(bool)
	if !isBool {
		doWrite(w, errWrongArgType)
		return
	}

	if bVal {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

// fmtString emits string or []byte value v left-padded with spaces to width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch sVal := v.(type) {
	case string:
		for i := width - len(sVal); i > 0; i-- {
			emitByte(w, ' ')
		}
		// Converting the string to a byte slice would allocate; emit
		// it one byte at a time instead.
		for i := 0; i < len(sVal); i++ {
			emitByte(w, sVal[i])
		}
	case []byte:
		for i := width - len(sVal); i > 0; i-- {
			emitByte(w, ' ')
		}
		doWrite(w, sVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt emits integer value v in the requested base, left-padded to width.
// All built-in signed and unsigned integer types are supported.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch iVal := v.(type) {
	case uint8:
		uval = uint64(iVal)
	case uint16:
		uval = uint64(iVal)
	case uint32:
		uval = uint64(iVal)
	case uint64:
		uval = iVal
	case uint:
		uval = uint64(iVal)
	case uintptr:
		uval = uint64(iVal)
	case int8:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	case int16:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	case int32:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	case int64:
		negative = iVal < 0
		uval = abs64(iVal)
	case int:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width > numBufSize {
		width = numBufSize
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	// Render digits right-to-left into the scratch buffer.
	end := numBufSize
	for {
		end--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numBuf[end] = '0' + digit
		} else {
			numBuf[end] = 'a' + digit - 10
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative && padCh == '0' {
		end--
		numBuf[end] = '-'
		negative = false
	}

	for numBufSize-end < width && end > 0 {
		end--
		numBuf[end] = padCh
	}

	if negative {
		// The sign replaces the rightmost pad space, or prepends if no
		// padding was applied.
		if numBuf[end] == ' ' {
			signAt := end
			for signAt+1 < numBufSize && numBuf[signAt+1] == ' ' {
				signAt++
			}
			numBuf[signAt] = '-'
		} else if end > 0 {
			end--
			numBuf[end] = '-'
		}
	}

	doWrite(w, numBuf[end:])
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}

	return uint64(v)
}

// emitByte writes a single byte through the shared one-byte buffer.
func emitByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite sends p to w, or to the debug log ring buffer when w is nil. The
// slice is passed through the noEscape hack so that the compiler does not
// flag it as escaping into the io.Writer; that would force a heap allocation
// on every Printf call which must not happen before the loader heap exists.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		debugLog.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
