// Copyright (c) 2024 The Snek Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package ast

import (
	"strconv"

	"github.com/pkg/errors"
)

// Parser reads a whole program: zero or more (fun ...) declarations followed
// by exactly one main expression.
type Parser struct {
	token  TokenKind
	lexeme string
	lexer  *Lexer
}

type parseAbort struct {
	err error
}

func (p *Parser) fail(format string, args ...interface{}) {
	panic(parseAbort{errors.Errorf("line %d: "+format,
		append([]interface{}{p.lexer.Line()}, args...)...)})
}

func (p *Parser) consume() {
	p.token, p.lexeme = p.lexer.NextToken()
}

func (p *Parser) expect(kind TokenKind, what string) {
	if p.token != kind {
		p.fail("expected %s, found %q", what, p.lexeme)
	}
	p.consume()
}

// ParseProgram parses source text into a Program.
func ParseProgram(src string) (prog *Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			if abort, ok := r.(parseAbort); ok {
				prog, err = nil, abort.err
				return
			}
			panic(r)
		}
	}()

	p := &Parser{lexer: NewLexer(src)}
	p.consume()
	prog = &Program{}
	for {
		if p.token == TK_EOF {
			p.fail("missing main expression")
		}
		if fun := p.tryParseFun(); fun != nil {
			prog.Funs = append(prog.Funs, fun)
			continue
		}
		break
	}
	prog.Main = p.parseExpr()
	if p.token != TK_EOF {
		p.fail("trailing input after main expression: %q", p.lexeme)
	}
	return prog, nil
}

// tryParseFun recognizes a (fun (name params...) body) form. Any other
// leading token sequence is left for the main expression.
func (p *Parser) tryParseFun() *FunDecl {
	if p.token != TK_LPAREN {
		return nil
	}
	// Peek past the paren without losing the position
	save := *p.lexer
	saveToken, saveLexeme := p.token, p.lexeme
	p.consume()
	if p.token != TK_IDENT || p.lexeme != "fun" {
		*p.lexer = save
		p.token, p.lexeme = saveToken, saveLexeme
		return nil
	}
	p.consume()
	p.expect(TK_LPAREN, "(")
	if p.token != TK_IDENT {
		p.fail("expected function name, found %q", p.lexeme)
	}
	fun := &FunDecl{Name: Symbol(p.lexeme)}
	p.consume()
	for p.token == TK_IDENT {
		fun.Params = append(fun.Params, Symbol(p.lexeme))
		p.consume()
	}
	p.expect(TK_RPAREN, ")")
	fun.Body = p.parseExpr()
	p.expect(TK_RPAREN, ")")
	return fun
}

var op1ByName = map[string]Op1{
	"add1":   OpAdd1,
	"sub1":   OpSub1,
	"isnum":  OpIsNum,
	"isbool": OpIsBool,
	"isvec":  OpIsVec,
	"print":  OpPrint,
}

var op2ByName = map[string]Op2{
	"+":  OpPlus,
	"-":  OpMinus,
	"*":  OpTimes,
	"/":  OpDivide,
	"=":  OpEqual,
	">":  OpGreater,
	">=": OpGreaterEqual,
	"<":  OpLess,
	"<=": OpLessEqual,
}

func (p *Parser) parseExpr() AstExpr {
	switch p.token {
	case TK_NUM:
		n, err := strconv.ParseInt(p.lexeme, 10, 64)
		if err != nil {
			p.fail("invalid number %q", p.lexeme)
		}
		p.consume()
		return &NumberExpr{Value: n}
	case TK_IDENT:
		return p.parseAtom()
	case TK_LPAREN:
		p.consume()
		e := p.parseForm()
		p.expect(TK_RPAREN, ")")
		return e
	}
	p.fail("unexpected token %q", p.lexeme)
	return nil
}

func (p *Parser) parseAtom() AstExpr {
	name := p.lexeme
	p.consume()
	switch name {
	case "true":
		return &BooleanExpr{Value: true}
	case "false":
		return &BooleanExpr{Value: false}
	case "input":
		return &InputExpr{}
	case "nil":
		return &NilExpr{}
	case "printstack":
		return &PrintStackExpr{}
	case "gc":
		return &GcExpr{}
	}
	return &VarExpr{Name: Symbol(name)}
}

// parseForm parses the interior of a parenthesized expression, with the
// opening paren already consumed.
func (p *Parser) parseForm() AstExpr {
	if p.token != TK_IDENT {
		p.fail("expected operator, found %q", p.lexeme)
	}
	head := p.lexeme

	if op, ok := op1ByName[head]; ok {
		p.consume()
		return &UnaryExpr{Op: op, Arg: p.parseExpr()}
	}
	if op, ok := op2ByName[head]; ok {
		p.consume()
		lhs := p.parseExpr()
		rhs := p.parseExpr()
		return &BinaryExpr{Op: op, Lhs: lhs, Rhs: rhs}
	}

	switch head {
	case "let":
		p.consume()
		p.expect(TK_LPAREN, "(")
		binds := make([]Binding, 0)
		for p.token == TK_LPAREN {
			p.consume()
			if p.token != TK_IDENT {
				p.fail("expected binding name, found %q", p.lexeme)
			}
			name := Symbol(p.lexeme)
			p.consume()
			binds = append(binds, Binding{Name: name, Value: p.parseExpr()})
			p.expect(TK_RPAREN, ")")
		}
		p.expect(TK_RPAREN, ")")
		if len(binds) == 0 {
			p.fail("let needs at least one binding")
		}
		return &LetExpr{Binds: binds, Body: p.parseExpr()}
	case "if":
		p.consume()
		cond := p.parseExpr()
		thn := p.parseExpr()
		els := p.parseExpr()
		return &IfExpr{Cond: cond, Then: thn, Else: els}
	case "loop":
		p.consume()
		return &LoopExpr{Body: p.parseExpr()}
	case "break":
		p.consume()
		return &BreakExpr{Arg: p.parseExpr()}
	case "set!":
		p.consume()
		if p.token != TK_IDENT {
			p.fail("expected variable name, found %q", p.lexeme)
		}
		name := Symbol(p.lexeme)
		p.consume()
		return &SetExpr{Name: name, Value: p.parseExpr()}
	case "block":
		p.consume()
		body := make([]AstExpr, 0)
		for p.token != TK_RPAREN {
			body = append(body, p.parseExpr())
		}
		if len(body) == 0 {
			p.fail("empty block")
		}
		return &BlockExpr{Body: body}
	case "make-vec":
		p.consume()
		size := p.parseExpr()
		elem := p.parseExpr()
		return &MakeVecExpr{Size: size, Elem: elem}
	case "vec":
		p.consume()
		elems := make([]AstExpr, 0)
		for p.token != TK_RPAREN {
			elems = append(elems, p.parseExpr())
		}
		return &VecExpr{Elems: elems}
	case "vec-set!":
		p.consume()
		vec := p.parseExpr()
		index := p.parseExpr()
		value := p.parseExpr()
		return &VecSetExpr{Vec: vec, Index: index, Value: value}
	case "vec-get":
		p.consume()
		vec := p.parseExpr()
		index := p.parseExpr()
		return &VecGetExpr{Vec: vec, Index: index}
	case "vec-len":
		p.consume()
		return &VecLenExpr{Vec: p.parseExpr()}
	case "fun":
		p.fail("function definitions must precede the main expression")
	}

	// Anything else is a call to a user function
	fun := Symbol(head)
	p.consume()
	args := make([]AstExpr, 0)
	for p.token != TK_RPAREN {
		args = append(args, p.parseExpr())
	}
	return &CallExpr{Fun: fun, Args: args}
}
