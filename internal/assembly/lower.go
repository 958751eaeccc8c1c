package assembly

import (
	"fmt"
	"strings"

	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/types"
)

var mnemonicOpCodes = map[string]core.OpCode{
	"nop":     core.Nop,
	"ldint":   core.LoadInt,
	"ldfloat": core.LoadFloat,
	"ldchar":  core.LoadChar,
	"ldtrue":  core.LoadTrue,
	"ldfalse": core.LoadFalse,
	"ldnull":  core.LoadNull,
	"ldstr":   core.LoadString,
	"add":     core.Add,
	"sub":     core.Sub,
	"mul":     core.Mul,
	"div":     core.Div,
	"and":     core.And,
	"or":      core.Or,
	"not":     core.Not,
	"i2f":     core.ConvertIntToFloat,
	"f2i":     core.ConvertFloatToInt,
	"ceq":     core.CompareEqual,
	"cne":     core.CompareNotEqual,
	"cgt":     core.CompareGreater,
	"cge":     core.CompareGreaterOrEqual,
	"clt":     core.CompareLess,
	"cle":     core.CompareLessOrEqual,
	"ldloc":   core.LoadLocal,
	"stloc":   core.StoreLocal,
	"ldarg":   core.LoadArg,
	"pop":     core.Pop,
	"dup":     core.Duplicate,
	"br":      core.Branch,
	"breq":    core.BranchEqual,
	"brne":    core.BranchNotEqual,
	"brgt":    core.BranchGreater,
	"brge":    core.BranchGreaterOrEqual,
	"brlt":    core.BranchLess,
	"brle":    core.BranchLessOrEqual,
	"ret":     core.Ret,
	"call":    core.Call,
	"calli":   core.CallInstance,
	"callv":   core.CallVirtual,
	"newarr":  core.NewArray,
	"ldelem":  core.LoadElement,
	"stelem":  core.StoreElement,
	"ldlen":   core.LoadArrayLength,
	"newobj":  core.NewObject,
	"ldfld":   core.LoadField,
	"stfld":   core.StoreField,
}

// rawTypeToCanonical turns a parsed type name ("Int", "Point", "Int[]",
// "Point[][]") into the dotted form internal/types.ParseName expects
// ("Int", "Ref.Point", "Ref.Array[Int]", "Ref.Array[Ref.Array[Ref.Point]]").
func rawTypeToCanonical(raw string) string {
	depth := 0
	base := raw
	for strings.HasSuffix(base, "[]") {
		base = base[:len(base)-2]
		depth++
	}
	canon := primitiveOrClassName(base)
	for i := 0; i < depth; i++ {
		canon = "Ref.Array[" + canon + "]"
	}
	return canon
}

func primitiveOrClassName(name string) string {
	switch name {
	case "Void", "Int", "Float", "Bool", "Char":
		return name
	case "Null":
		return "Ref.Null"
	default:
		return "Ref." + name
	}
}

func resolveTypes(raw []string, tp *types.Provider) ([]*types.Type, error) {
	out := make([]*types.Type, 0, len(raw))
	for _, r := range raw {
		t, ok := tp.MakeType(rawTypeToCanonical(r))
		if !ok {
			return nil, fmt.Errorf("unknown type %q", r)
		}
		out = append(out, t)
	}
	return out, nil
}

// Lower resolves a parsed Assembly into registered FunctionDefinitions (via
// bind) and the managed function bodies the verifier and code generator
// operate on. Classes are declared and finalized before any function body
// is lowered, so field, parameter, and return types that name a class
// resolve regardless of declaration order (spec.md §9 "Cyclic class
// references": declare-then-link).
func Lower(asm *Assembly, classes *class.Provider, tp *types.Provider, bind *binder.Binder) ([]*core.ManagedFunction, error) {
	if err := finalizeClasses(asm, classes, tp); err != nil {
		return nil, err
	}

	virtuals := virtualSet(asm.Classes)

	var managed []*core.ManagedFunction
	for _, fn := range asm.Functions {
		mf, def, err := lowerFunction(fn, classes, tp, virtuals)
		if err != nil {
			return nil, err
		}
		if err := bind.Define(def); err != nil {
			return nil, err
		}
		if mf != nil {
			managed = append(managed, mf)
		}
	}
	return managed, nil
}

// finalizeClasses declares every class up front, then finalizes them in
// parent-before-child order so inherited fields and vtable slots are
// available when a subclass finalizes.
func finalizeClasses(asm *Assembly, classes *class.Provider, tp *types.Provider) error {
	for _, c := range asm.Classes {
		if _, err := classes.Declare(c.Name); err != nil {
			return fmt.Errorf("class %s: %w", c.Name, err)
		}
	}

	remaining := append([]Class(nil), asm.Classes...)
	finalized := map[string]bool{}
	for len(remaining) > 0 {
		var next []Class
		progressed := false
		for _, c := range remaining {
			if c.ParentClassName != "" && !finalized[c.ParentClassName] {
				next = append(next, c)
				continue
			}
			fields, err := resolveFieldDecls(c.Fields, tp)
			if err != nil {
				return fmt.Errorf("class %s: %w", c.Name, err)
			}
			virtuals, err := resolveVirtualDecls(c, tp)
			if err != nil {
				return fmt.Errorf("class %s: %w", c.Name, err)
			}
			if err := classes.Finalize(c.Name, c.ParentClassName, fields, virtuals); err != nil {
				return err
			}
			finalized[c.Name] = true
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("unresolved or cyclic parent reference among %d classes", len(remaining))
		}
		remaining = next
	}
	return nil
}

func resolveFieldDecls(fields []FieldDecl, tp *types.Provider) ([]class.FieldDecl, error) {
	out := make([]class.FieldDecl, 0, len(fields))
	for _, f := range fields {
		t, ok := tp.MakeType(rawTypeToCanonical(f.TypeName))
		if !ok {
			return nil, fmt.Errorf("field %s: unknown type %q", f.Name, f.TypeName)
		}
		access := class.Public
		if f.Attributes.AccessModifier() == "private" {
			access = class.Private
		}
		out = append(out, class.FieldDecl{Name: f.Name, Type: t, Access: access})
	}
	return out, nil
}

func resolveVirtualDecls(c Class, tp *types.Provider) ([]class.VirtualDecl, error) {
	out := make([]class.VirtualDecl, 0, len(c.Virtuals))
	for _, v := range c.Virtuals {
		params, err := resolveTypes(v.Parameters, tp)
		if err != nil {
			return nil, fmt.Errorf("virtual %s::%s: %w", c.Name, v.Name, err)
		}
		out = append(out, class.VirtualDecl{Signature: core.Signature(c.Name, v.Name, params)})
	}
	return out, nil
}

// virtualSet indexes ".virtual" declarations by "Class.name/arity" so
// lowerFunction can tell whether a given member-function body implements a
// declared virtual slot.
func virtualSet(classes []Class) map[string]bool {
	set := map[string]bool{}
	for _, c := range classes {
		for _, v := range c.Virtuals {
			set[fmt.Sprintf("%s.%s/%d", c.Name, v.Name, len(v.Parameters))] = true
		}
	}
	return set
}

func lowerFunction(fn Function, classes *class.Provider, tp *types.Provider, virtuals map[string]bool) (*core.ManagedFunction, *core.FunctionDefinition, error) {
	params, err := resolveTypes(fn.Parameters, tp)
	if err != nil {
		return nil, nil, fmt.Errorf("function %s: %w", fn.Name, err)
	}
	retType, ok := tp.MakeType(rawTypeToCanonical(fn.ReturnType))
	if !ok {
		return nil, nil, fmt.Errorf("function %s: unknown return type %q", fn.Name, fn.ReturnType)
	}

	access := core.Public
	if fn.Attributes.AccessModifier() == "private" {
		access = core.Private
	}

	def := &core.FunctionDefinition{
		Name:          fn.Name,
		Parameters:    params,
		ReturnType:    retType,
		Managed:       !fn.IsExternal,
		Access:        access,
		IsConstructor: fn.IsMember && fn.MemberFunctionName == ".constructor",
	}

	if fn.IsMember {
		classInfo, ok := classes.Lookup(fn.ClassName)
		if !ok {
			return nil, nil, fmt.Errorf("function %s::%s: unknown class", fn.ClassName, fn.MemberFunctionName)
		}
		def.ClassType = classInfo
		def.IsVirtual = virtuals[fmt.Sprintf("%s.%s/%d", fn.ClassName, fn.MemberFunctionName, len(fn.Parameters))]
	}

	if fn.IsExternal {
		return nil, def, nil
	}

	labelIndex := map[string]int{}
	realCount := 0
	for _, raw := range fn.Instructions {
		if raw.OpCode == "$label" {
			labelIndex[raw.Label] = realCount
			continue
		}
		realCount++
	}

	instructions := make([]*core.Instruction, 0, realCount)
	for _, raw := range fn.Instructions {
		if raw.OpCode == "$label" {
			continue
		}
		inst, err := lowerInstruction(raw, classes, tp, labelIndex)
		if err != nil {
			return nil, nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
		instructions = append(instructions, inst)
	}

	locals := make([]*types.Type, len(fn.Locals))
	for i, raw := range fn.Locals {
		if raw == "" {
			continue
		}
		t, ok := tp.MakeType(rawTypeToCanonical(raw))
		if !ok {
			return nil, nil, fmt.Errorf("function %s: unknown local type %q", fn.Name, raw)
		}
		locals[i] = t
	}

	mf := &core.ManagedFunction{
		Def:          def,
		Instructions: instructions,
		Locals:       locals,
	}
	return mf, def, nil
}

func lowerInstruction(raw InstructionOperand, classes *class.Provider, tp *types.Provider, labelIndex map[string]int) (*core.Instruction, error) {
	op, ok := mnemonicOpCodes[raw.OpCode]
	if !ok {
		return nil, fmt.Errorf("unknown instruction %q", raw.OpCode)
	}
	inst := &core.Instruction{OpCode: op}

	switch op {
	case core.LoadInt:
		inst.IntValue = raw.IntValue
	case core.LoadFloat:
		inst.FloatValue = raw.FloatValue
	case core.LoadChar:
		inst.CharValue = raw.CharValue
	case core.LoadString:
		inst.StringValue = raw.StringValue

	case core.LoadLocal, core.StoreLocal, core.LoadArg:
		inst.LocalOrArgIndex = raw.IntValue

	case core.Branch, core.BranchEqual, core.BranchNotEqual, core.BranchGreater,
		core.BranchGreaterOrEqual, core.BranchLess, core.BranchLessOrEqual:
		idx, ok := labelIndex[raw.Label]
		if !ok {
			return nil, fmt.Errorf("undefined branch target %q", raw.Label)
		}
		inst.BranchTarget = idx

	case core.Call:
		inst.CalleeName = raw.Name
		params, err := resolveTypes(raw.Parameters, tp)
		if err != nil {
			return nil, err
		}
		inst.Parameters = params

	case core.CallInstance, core.CallVirtual, core.NewObject:
		inst.CalleeName = raw.Name
		params, err := resolveTypes(raw.Parameters, tp)
		if err != nil {
			return nil, err
		}
		inst.Parameters = params
		classInfo, ok := classes.Lookup(raw.CalledClassType)
		if !ok {
			return nil, fmt.Errorf("unknown class %q", raw.CalledClassType)
		}
		inst.ClassType = classInfo

	case core.NewArray, core.LoadElement, core.StoreElement:
		if len(raw.Parameters) != 1 {
			return nil, fmt.Errorf("%s: expected exactly one element type", raw.OpCode)
		}
		t, ok := tp.MakeType(rawTypeToCanonical(raw.Parameters[0]))
		if !ok {
			return nil, fmt.Errorf("unknown element type %q", raw.Parameters[0])
		}
		inst.Parameters = []*types.Type{t}

	case core.LoadField, core.StoreField:
		classInfo, ok := classes.Lookup(raw.CalledClassType)
		if !ok {
			return nil, fmt.Errorf("unknown class %q", raw.CalledClassType)
		}
		inst.ClassType = classInfo
		inst.FieldName = raw.Name

	case core.LoadArrayLength, core.Nop, core.LoadTrue, core.LoadFalse, core.LoadNull,
		core.Add, core.Sub, core.Mul, core.Div, core.And, core.Or, core.Not,
		core.ConvertIntToFloat, core.ConvertFloatToInt,
		core.CompareEqual, core.CompareNotEqual, core.CompareGreater, core.CompareGreaterOrEqual,
		core.CompareLess, core.CompareLessOrEqual, core.Pop, core.Duplicate, core.Ret:
		// no operand payload
	}

	return inst, nil
}
