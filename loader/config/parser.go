package config

import (
	"io"

	"kboot/loader"
	"kboot/loader/kfmt"
)

var errConfigParse = &loader.Error{Module: "config", Message: "could not parse configuration"}

// Parser implements a recursive-descent parser for the config language:
//
//	file       := command*
//	command    := name argument* terminator
//	argument   := INTEGER | BOOLEAN | STRING | list | block | '$' NAME
//	list       := '[' argument (',' argument)* ']'
//	block      := '{' command* '}'
//	terminator := NEWLINE | ';'
//
// Parse errors are reported with their line number to the configured error
// writer and abort the current file.
type Parser struct {
	tok       *tokenizer
	errWriter io.Writer

	// pending holds a token pushed back by the command parser.
	pending    token
	hasPending bool
}

// NewParser returns a parser that reports errors to errWriter.
func NewParser(errWriter io.Writer) *Parser {
	return &Parser{errWriter: errWriter}
}

// Parse consumes the whole character source and returns the parsed command
// list.
func (p *Parser) Parse(src CharSource) (CommandList, *loader.Error) {
	p.tok = newTokenizer(src)
	p.hasPending = false

	list, ok := p.parseCommandList(false)
	if !ok {
		return nil, errConfigParse
	}

	return list, nil
}

func (p *Parser) next() token {
	if p.hasPending {
		p.hasPending = false
		return p.pending
	}

	return p.tok.next()
}

func (p *Parser) pushBack(tok token) {
	p.pending = tok
	p.hasPending = true
}

// fail reports a parse error at the given line.
func (p *Parser) fail(line int, msg string) bool {
	kfmt.Fprintf(p.errWriter, "config: line %d: %s\n", line, msg)
	return false
}

// parseCommandList parses commands until EOF, or until the closing '}' of
// the enclosing block when inBlock is set.
func (p *Parser) parseCommandList(inBlock bool) (CommandList, bool) {
	var list CommandList

	for {
		tok := p.next()

		switch tok.kind {
		case tokenTerminator:
			continue

		case tokenEOF:
			if inBlock {
				return nil, p.fail(tok.line, "unexpected end of input inside block")
			}
			return list, true

		case tokenBlockEnd:
			if !inBlock {
				return nil, p.fail(tok.line, "unexpected '}'")
			}
			return list, true

		case tokenName:
			cmd, ok := p.parseCommand(tok)
			if !ok {
				return nil, false
			}
			list = append(list, cmd)

		case tokenError:
			return nil, p.fail(tok.line, p.tok.errText)

		default:
			return nil, p.fail(tok.line, "expected command name")
		}
	}
}

// parseCommand parses the arguments of the command whose name token has
// already been consumed, up to and including its terminator.
func (p *Parser) parseCommand(name token) (Command, bool) {
	cmd := Command{Name: name.text, Line: name.line}

	for {
		tok := p.next()

		switch tok.kind {
		case tokenTerminator, tokenEOF:
			return cmd, true

		case tokenBlockEnd:
			// The block end also terminates the last command in it.
			p.pushBack(tok)
			return cmd, true

		default:
			arg, ok := p.parseArgument(tok)
			if !ok {
				return Command{}, false
			}
			cmd.Args = append(cmd.Args, arg)
		}
	}
}

// parseArgument converts the given token into a value, consuming further
// tokens for lists and blocks.
func (p *Parser) parseArgument(tok token) (Value, bool) {
	switch tok.kind {
	case tokenInteger:
		return IntegerVal(tok.num), true

	case tokenBoolean:
		return BooleanVal(tok.boolean), true

	case tokenString:
		return StringVal(tok.text), true

	case tokenReference:
		return ReferenceVal(tok.text), true

	case tokenListStart:
		return p.parseList(tok.line)

	case tokenBlockStart:
		block, ok := p.parseCommandList(true)
		if !ok {
			return Value{}, false
		}
		return CommandListVal(block), true

	case tokenError:
		return Value{}, p.failValue(tok.line, p.tok.errText)

	default:
		return Value{}, p.failValue(tok.line, "expected argument")
	}
}

// parseList parses the remainder of a '[' ... ']' list.
func (p *Parser) parseList(line int) (Value, bool) {
	var elems []Value

	tok := p.nextSkippingTerminators()
	if tok.kind == tokenListEnd {
		return ListVal(), true
	}

	for {
		elem, ok := p.parseArgument(tok)
		if !ok {
			return Value{}, false
		}
		elems = append(elems, elem)

		tok = p.nextSkippingTerminators()
		switch tok.kind {
		case tokenListEnd:
			return ListVal(elems...), true
		case tokenComma:
			tok = p.nextSkippingTerminators()
		default:
			return Value{}, p.failValue(tok.line, "expected ',' or ']' in list")
		}
	}
}

// nextSkippingTerminators returns the next token that is not a newline or
// ';'; lists treat line breaks as insignificant.
func (p *Parser) nextSkippingTerminators() token {
	for {
		tok := p.next()
		if tok.kind != tokenTerminator {
			return tok
		}
	}
}

func (p *Parser) failValue(line int, msg string) bool {
	return p.fail(line, msg)
}
