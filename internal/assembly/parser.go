package assembly

import (
	"fmt"
)

// Parser turns tokens into an Assembly. Grammar (informal):
//
//	program    := (classDecl | funcDecl)*
//	classDecl  := "class" ident (":" ident)? "{" classMember* "}"
//	classMember:= ".field" ident typeName accessWord?
//	            | ".virtual" ident "(" typeList? ")" typeName
//	            | funcDecl
//	funcDecl   := "func" "extern" callee "(" typeList? ")" typeName
//	            | "func" callee "(" typeList? ")" typeName "{" funcBody "}"
//	callee     := ident | ident "::" ident | ident "::" "." ident
//	funcBody   := ".locals" int (".local" int typeName)* (label | inst)*
//	label      := "[" ident ":" "]"
//
// Raw type names use a trailing "[]" per array dimension ("Int[]",
// "Point[][]"); see rawTypeToCanonical.
type Parser struct {
	lex *Lexer
	tok Token
}

func NewParser(src string) (*Parser, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) next() error {
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *Parser) expect(kind TokenKind, what string) (Token, error) {
	if p.tok.Kind != kind {
		return Token{}, fmt.Errorf("line %d: expected %s, got %q", p.tok.Line, what, p.tok.Text)
	}
	t := p.tok
	err := p.next()
	return t, err
}

func (p *Parser) expectIdent(text string) error {
	if p.tok.Kind != TokIdent || p.tok.Text != text {
		return fmt.Errorf("line %d: expected %q, got %q", p.tok.Line, text, p.tok.Text)
	}
	return p.next()
}

// Parse consumes the whole token stream and produces an Assembly.
func (p *Parser) Parse() (*Assembly, error) {
	asm := &Assembly{}
	for p.tok.Kind != TokEOF {
		if p.tok.Kind != TokIdent {
			return nil, fmt.Errorf("line %d: expected 'class' or 'func', got %q", p.tok.Line, p.tok.Text)
		}
		switch p.tok.Text {
		case "class":
			class, funcs, err := p.parseClass()
			if err != nil {
				return nil, err
			}
			asm.Classes = append(asm.Classes, class)
			asm.Functions = append(asm.Functions, funcs...)
		case "func":
			fn, err := p.parseFunc()
			if err != nil {
				return nil, err
			}
			asm.Functions = append(asm.Functions, fn)
		default:
			return nil, fmt.Errorf("line %d: expected 'class' or 'func', got %q", p.tok.Line, p.tok.Text)
		}
	}
	return asm, nil
}

func (p *Parser) parseClass() (Class, []Function, error) {
	if err := p.expectIdent("class"); err != nil {
		return Class{}, nil, err
	}
	nameTok, err := p.expect(TokIdent, "class name")
	if err != nil {
		return Class{}, nil, err
	}
	class := Class{Name: nameTok.Text, Attributes: Attributes{}}

	if p.tok.Kind == TokColon {
		if err := p.next(); err != nil {
			return Class{}, nil, err
		}
		parentTok, err := p.expect(TokIdent, "parent class name")
		if err != nil {
			return Class{}, nil, err
		}
		class.ParentClassName = parentTok.Text
	}

	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return Class{}, nil, err
	}

	var funcs []Function
	for p.tok.Kind != TokRBrace {
		if p.tok.Kind == TokDot {
			if err := p.next(); err != nil {
				return Class{}, nil, err
			}
			directive, err := p.expect(TokIdent, "directive")
			if err != nil {
				return Class{}, nil, err
			}
			switch directive.Text {
			case "field":
				field, err := p.parseField()
				if err != nil {
					return Class{}, nil, err
				}
				class.Fields = append(class.Fields, field)
			case "virtual":
				v, err := p.parseVirtualDecl()
				if err != nil {
					return Class{}, nil, err
				}
				class.Virtuals = append(class.Virtuals, v)
			default:
				return Class{}, nil, fmt.Errorf("line %d: unknown class directive %q", directive.Line, directive.Text)
			}
			continue
		}
		if p.tok.Kind == TokIdent && p.tok.Text == "func" {
			fn, err := p.parseFunc()
			if err != nil {
				return Class{}, nil, err
			}
			fn.IsMember = true
			fn.ClassName = class.Name
			funcs = append(funcs, fn)
			continue
		}
		return Class{}, nil, fmt.Errorf("line %d: unexpected token %q in class body", p.tok.Line, p.tok.Text)
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return Class{}, nil, err
	}
	return class, funcs, nil
}

func (p *Parser) parseField() (FieldDecl, error) {
	nameTok, err := p.expect(TokIdent, "field name")
	if err != nil {
		return FieldDecl{}, err
	}
	typeTok, err := p.parseRawTypeName()
	if err != nil {
		return FieldDecl{}, err
	}
	attrs := Attributes{"AccessModifier": {"value": "public"}}
	if p.tok.Kind == TokIdent && (p.tok.Text == "public" || p.tok.Text == "private") {
		attrs["AccessModifier"] = map[string]string{"value": p.tok.Text}
		if err := p.next(); err != nil {
			return FieldDecl{}, err
		}
	}
	return FieldDecl{Name: nameTok.Text, TypeName: typeTok, Attributes: attrs}, nil
}

func (p *Parser) parseVirtualDecl() (VirtualDecl, error) {
	nameTok, err := p.expect(TokIdent, "virtual member name")
	if err != nil {
		return VirtualDecl{}, err
	}
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return VirtualDecl{}, err
	}
	var params []string
	for p.tok.Kind != TokRParen {
		t, err := p.parseRawTypeName()
		if err != nil {
			return VirtualDecl{}, err
		}
		params = append(params, t)
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return VirtualDecl{}, err
	}
	retType, err := p.parseRawTypeName()
	if err != nil {
		return VirtualDecl{}, err
	}
	return VirtualDecl{Name: nameTok.Text, Parameters: params, ReturnType: retType}, nil
}

// parseRawTypeName reads a type name with zero or more trailing "[]" array
// suffixes ("Int", "Point", "Int[]", "Point[][]"). rawTypeToCanonical turns
// the result into the dotted form internal/types.ParseName expects.
func (p *Parser) parseRawTypeName() (string, error) {
	nameTok, err := p.expect(TokIdent, "type name")
	if err != nil {
		return "", err
	}
	name := nameTok.Text
	for p.tok.Kind == TokLBracket {
		if err := p.next(); err != nil {
			return "", err
		}
		if _, err := p.expect(TokRBracket, "']'"); err != nil {
			return "", err
		}
		name += "[]"
	}
	return name, nil
}

func (p *Parser) parseFunc() (Function, error) {
	if err := p.expectIdent("func"); err != nil {
		return Function{}, err
	}
	fn := Function{Attributes: Attributes{"AccessModifier": {"value": "public"}}}
	if p.tok.Kind == TokIdent && p.tok.Text == "extern" {
		fn.IsExternal = true
		if err := p.next(); err != nil {
			return Function{}, err
		}
	}
	nameTok, err := p.expect(TokIdent, "function name")
	if err != nil {
		return Function{}, err
	}
	fn.Name = nameTok.Text

	if p.tok.Kind == TokColonColon {
		if err := p.next(); err != nil {
			return Function{}, err
		}
		fn.IsMember = true
		fn.ClassName = nameTok.Text
		if p.tok.Kind == TokDot {
			if err := p.next(); err != nil {
				return Function{}, err
			}
			memberTok, err := p.expect(TokIdent, "member function name")
			if err != nil {
				return Function{}, err
			}
			fn.MemberFunctionName = "." + memberTok.Text
		} else {
			memberTok, err := p.expect(TokIdent, "member function name")
			if err != nil {
				return Function{}, err
			}
			fn.MemberFunctionName = memberTok.Text
		}
		fn.Name = fn.MemberFunctionName
	}

	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return Function{}, err
	}
	for p.tok.Kind != TokRParen {
		t, err := p.parseRawTypeName()
		if err != nil {
			return Function{}, err
		}
		fn.Parameters = append(fn.Parameters, t)
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return Function{}, err
	}

	retTok, err := p.parseRawTypeName()
	if err != nil {
		return Function{}, err
	}
	fn.ReturnType = retTok

	// An external function has no body: its instructions live in native
	// code outside this text, registered directly with the binder by
	// whatever embeds the engine (spec.md §6.2).
	if fn.IsExternal {
		return fn, nil
	}

	if err := p.parseFuncBody(&fn); err != nil {
		return Function{}, err
	}
	return fn, nil
}

func (p *Parser) parseFuncBody(fn *Function) error {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return err
	}

	// .locals N
	if p.tok.Kind != TokDot {
		return fmt.Errorf("line %d: expected '.locals' directive", p.tok.Line)
	}
	if err := p.next(); err != nil {
		return err
	}
	if err := p.expectIdent("locals"); err != nil {
		return err
	}
	countTok, err := p.expect(TokInt, "locals count")
	if err != nil {
		return err
	}
	fn.Locals = make([]string, countTok.Int)

	for p.tok.Kind == TokDot {
		save := p.tok
		if err := p.next(); err != nil {
			return err
		}
		if p.tok.Kind != TokIdent || p.tok.Text != "local" {
			// Not a .local directive after all — put back conceptually
			// by erroring; in practice .locals is always followed
			// directly by .local* or instructions, so this only
			// triggers on malformed input.
			return fmt.Errorf("line %d: expected '.local' directive, got '.%s'", save.Line, p.tok.Text)
		}
		if err := p.next(); err != nil {
			return err
		}
		idxTok, err := p.expect(TokInt, "local index")
		if err != nil {
			return err
		}
		typeName, err := p.parseRawTypeName()
		if err != nil {
			return err
		}
		if idxTok.Int < 0 || idxTok.Int >= len(fn.Locals) {
			return fmt.Errorf("line %d: local index %d out of range", idxTok.Line, idxTok.Int)
		}
		fn.Locals[idxTok.Int] = typeName
	}

	for p.tok.Kind != TokRBrace {
		inst, err := p.parseInstructionOrLabel(fn)
		if err != nil {
			return err
		}
		if inst != nil {
			fn.Instructions = append(fn.Instructions, *inst)
		}
	}
	_, err = p.expect(TokRBrace, "'}'")
	return err
}

// parseInstructionOrLabel parses either a bracketed label declaration
// ("[L:]") or a real instruction.
func (p *Parser) parseInstructionOrLabel(fn *Function) (*InstructionOperand, error) {
	if p.tok.Kind == TokLBracket {
		if err := p.next(); err != nil {
			return nil, err
		}
		nameTok, err := p.expect(TokIdent, "label name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokColon, "':'"); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRBracket, "']'"); err != nil {
			return nil, err
		}
		return &InstructionOperand{OpCode: "$label", Label: nameTok.Text}, nil
	}

	mnemonicTok, err := p.expect(TokIdent, "instruction mnemonic")
	if err != nil {
		return nil, err
	}
	return p.parseOperands(mnemonicTok)
}

// parseOperands dispatches on the mnemonic to consume the right operand
// shape and returns the raw instruction (opcode name kept as the mnemonic;
// internal/assembly/lower.go maps mnemonics to core.OpCode).
func (p *Parser) parseOperands(mnemonic Token) (*InstructionOperand, error) {
	inst := &InstructionOperand{OpCode: mnemonic.Text}

	switch mnemonic.Text {
	case "nop", "add", "sub", "mul", "div", "and", "or", "not",
		"i2f", "f2i", "ceq", "cne", "cgt", "cge", "clt", "cle",
		"pop", "dup", "ret", "ldtrue", "ldfalse", "ldnull", "ldlen":
		return inst, nil

	case "ldint":
		t, err := p.expect(TokInt, "int literal")
		if err != nil {
			return nil, err
		}
		inst.IntValue, inst.HasInt = t.Int, true
		return inst, nil

	case "ldfloat":
		t, err := p.expect(TokFloat, "float literal")
		if err != nil {
			return nil, err
		}
		inst.FloatValue, inst.HasFloat = t.Float, true
		return inst, nil

	case "ldchar":
		t, err := p.expect(TokChar, "char literal")
		if err != nil {
			return nil, err
		}
		inst.CharValue, inst.HasChar = byte(t.Int), true
		return inst, nil

	case "ldstr":
		t, err := p.expect(TokString, "string literal")
		if err != nil {
			return nil, err
		}
		inst.StringValue, inst.HasString = t.Text, true
		return inst, nil

	case "ldloc", "stloc", "ldarg":
		t, err := p.expect(TokInt, "index")
		if err != nil {
			return nil, err
		}
		inst.IntValue, inst.HasInt = t.Int, true
		return inst, nil

	case "br", "breq", "brne", "brgt", "brge", "brlt", "brle":
		t, err := p.expect(TokIdent, "branch target label")
		if err != nil {
			return nil, err
		}
		inst.Label = t.Text
		return inst, nil

	case "call":
		name, params, err := p.parseCallee()
		if err != nil {
			return nil, err
		}
		inst.Name = name
		inst.Parameters = params
		return inst, nil

	case "calli", "callv", "newobj":
		class, name, params, err := p.parseMemberCallee()
		if err != nil {
			return nil, err
		}
		inst.CalledClassType = class
		inst.Name = name
		inst.Parameters = params
		return inst, nil

	case "newarr", "ldelem", "stelem":
		t, err := p.parseRawTypeName()
		if err != nil {
			return nil, err
		}
		inst.Parameters = []string{t}
		return inst, nil

	case "ldfld", "stfld":
		class, field, err := p.parseQualifiedName()
		if err != nil {
			return nil, err
		}
		inst.CalledClassType = class
		inst.Name = field
		return inst, nil

	default:
		return nil, fmt.Errorf("line %d: unknown instruction %q", mnemonic.Line, mnemonic.Text)
	}
}

func (p *Parser) parseCallee() (name string, params []string, err error) {
	nameTok, err := p.expect(TokIdent, "callee name")
	if err != nil {
		return "", nil, err
	}
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return "", nil, err
	}
	for p.tok.Kind != TokRParen {
		t, err := p.parseRawTypeName()
		if err != nil {
			return "", nil, err
		}
		params = append(params, t)
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return "", nil, err
	}
	return nameTok.Text, params, nil
}

func (p *Parser) parseMemberCallee() (class string, name string, params []string, err error) {
	classTok, err := p.expect(TokIdent, "class name")
	if err != nil {
		return "", "", nil, err
	}
	if _, err := p.expect(TokColonColon, "'::'"); err != nil {
		return "", "", nil, err
	}
	if p.tok.Kind == TokDot {
		if err := p.next(); err != nil {
			return "", "", nil, err
		}
		memberTok, err := p.expect(TokIdent, "member name")
		if err != nil {
			return "", "", nil, err
		}
		name = "." + memberTok.Text
	} else {
		memberTok, err := p.expect(TokIdent, "member name")
		if err != nil {
			return "", "", nil, err
		}
		name = memberTok.Text
	}
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return "", "", nil, err
	}
	for p.tok.Kind != TokRParen {
		t, err := p.parseRawTypeName()
		if err != nil {
			return "", "", nil, err
		}
		params = append(params, t)
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return "", "", nil, err
	}
	return classTok.Text, name, params, nil
}

func (p *Parser) parseQualifiedName() (class string, name string, err error) {
	classTok, err := p.expect(TokIdent, "class name")
	if err != nil {
		return "", "", err
	}
	if _, err := p.expect(TokColonColon, "'::'"); err != nil {
		return "", "", err
	}
	nameTok, err := p.expect(TokIdent, "field name")
	if err != nil {
		return "", "", err
	}
	return classTok.Text, nameTok.Text, nil
}
