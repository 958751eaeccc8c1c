package assembly

import "testing"

func parse(t *testing.T, src string) *Assembly {
	t.Helper()
	p, err := NewParser(src)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	asm, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return asm
}

func TestParseTrivialFunction(t *testing.T) {
	asm := parse(t, `
func main() Int {
	.locals 0
	ldint 42
	ret
}
`)
	if len(asm.Functions) != 1 {
		t.Fatalf("Functions = %d, want 1", len(asm.Functions))
	}
	fn := asm.Functions[0]
	if fn.Name != "main" || fn.ReturnType != "Int" {
		t.Fatalf("fn = %+v, want main()/Int", fn)
	}
	if len(fn.Instructions) != 2 {
		t.Fatalf("Instructions = %d, want 2", len(fn.Instructions))
	}
	if fn.Instructions[0].OpCode != "ldint" || fn.Instructions[0].IntValue != 42 || !fn.Instructions[0].HasInt {
		t.Fatalf("ldint instruction = %+v", fn.Instructions[0])
	}
}

func TestParseLocalsAndBranchLabel(t *testing.T) {
	asm := parse(t, `
func loop() Void {
	.locals 1
	.local 0 Int
	ldint 0
	stloc 0
	[top:]
	ldloc 0
	br top
	ret
}
`)
	fn := asm.Functions[0]
	if len(fn.Locals) != 1 || fn.Locals[0] != "Int" {
		t.Fatalf("Locals = %+v, want [\"Int\"]", fn.Locals)
	}
	var sawLabel, sawBranch bool
	for _, inst := range fn.Instructions {
		if inst.OpCode == "$label" && inst.Label == "top" {
			sawLabel = true
		}
		if inst.OpCode == "br" && inst.Label == "top" {
			sawBranch = true
		}
	}
	if !sawLabel || !sawBranch {
		t.Fatalf("expected a label and a branch to it, got %+v", fn.Instructions)
	}
}

func TestParseClassWithFieldsAndVirtualAndMemberFunction(t *testing.T) {
	asm := parse(t, `
class Shape {
	.field width Int private
	.virtual area() Float
	func Shape::area() Float {
		.locals 0
		ldfloat 0.0
		ret
	}
}
`)
	if len(asm.Classes) != 1 {
		t.Fatalf("Classes = %d, want 1", len(asm.Classes))
	}
	class := asm.Classes[0]
	if len(class.Fields) != 1 || class.Fields[0].Name != "width" || class.Fields[0].Attributes.AccessModifier() != "private" {
		t.Fatalf("Fields = %+v", class.Fields)
	}
	if len(class.Virtuals) != 1 || class.Virtuals[0].Name != "area" {
		t.Fatalf("Virtuals = %+v", class.Virtuals)
	}
	if len(asm.Functions) != 1 || asm.Functions[0].ClassName != "Shape" || !asm.Functions[0].IsMember {
		t.Fatalf("Functions = %+v, want one member function on Shape", asm.Functions)
	}
}

func TestParseArrayTypeSuffix(t *testing.T) {
	asm := parse(t, `
func sumAll(Int[]) Int {
	.locals 0
	ldarg 0
	newarr Int
	pop
	ldint 0
	ret
}
`)
	fn := asm.Functions[0]
	if len(fn.Parameters) != 1 || fn.Parameters[0] != "Int[]" {
		t.Fatalf("Parameters = %+v, want [\"Int[]\"]", fn.Parameters)
	}
}

func TestParseExternFunctionHasNoBody(t *testing.T) {
	asm := parse(t, `func extern puts(Int) Void`)
	if len(asm.Functions) != 1 {
		t.Fatalf("Functions = %d, want 1", len(asm.Functions))
	}
	fn := asm.Functions[0]
	if !fn.IsExternal || fn.Instructions != nil {
		t.Fatalf("extern function = %+v, want IsExternal=true and no body", fn)
	}
}

func TestParseCallInstructionCapturesCalleeAndParameters(t *testing.T) {
	asm := parse(t, `
func main() Void {
	.locals 0
	ldint 1
	call helper(Int)
	ret
}
`)
	fn := asm.Functions[0]
	var call *InstructionOperand
	for i := range fn.Instructions {
		if fn.Instructions[i].OpCode == "call" {
			call = &fn.Instructions[i]
		}
	}
	if call == nil || call.Name != "helper" || len(call.Parameters) != 1 || call.Parameters[0] != "Int" {
		t.Fatalf("call instruction = %+v", call)
	}
}

func TestParseRejectsUnknownInstruction(t *testing.T) {
	p, err := NewParser(`
func main() Void {
	.locals 0
	bogus
	ret
}
`)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	if _, err := p.Parse(); err == nil {
		t.Fatalf("expected an error for an unknown instruction mnemonic")
	}
}

func TestParseRejectsMissingLocalsDirective(t *testing.T) {
	p, err := NewParser(`
func main() Void {
	ret
}
`)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	if _, err := p.Parse(); err == nil {
		t.Fatalf("expected an error: a function body must start with .locals")
	}
}
