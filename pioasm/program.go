package pioasm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxInstructions is the size of one PIO block's instruction memory
const MaxInstructions = 32

var (
	ErrUndefinedLabel = errors.New("undefined label")
	ErrDuplicateLabel = errors.New("duplicate label")
	ErrFieldRange     = errors.New("field out of range")
	ErrUnsupported    = errors.New("unsupported instruction")
	ErrProgramSize    = errors.New("program too large")
)

// Program is an assembled, immutable micro-program. Jump addresses are
// relative to the first instruction; Encode relocates them.
type Program struct {
	name        string
	instrs      []Instr
	labels      map[string]uint8
	wrapTarget  uint8
	wrap        uint8
	sidesetBits uint8
}

func (p *Program) Name() string       { return p.name }
func (p *Program) Len() int           { return len(p.instrs) }
func (p *Program) SidesetBits() uint8 { return p.sidesetBits }

// At returns the instruction at pc.
func (p *Program) At(pc uint8) Instr { return p.instrs[pc] }

// Wrap returns the wrap target and wrap (last instruction) addresses.
func (p *Program) Wrap() (target, wrap uint8) { return p.wrapTarget, p.wrap }

// Label returns the address of a label.
func (p *Program) Label(name string) (uint8, bool) {
	addr, ok := p.labels[name]
	return addr, ok
}

// MustLabel is Label for labels known to exist; it panics otherwise.
func (p *Program) MustLabel(name string) uint8 {
	addr, ok := p.labels[name]
	if !ok {
		panic(fmt.Sprintf("pioasm: %s: %v %q", p.name, ErrUndefinedLabel, name))
	}
	return addr
}

// Resolve validates instructions meant to be executed outside the program
// (a one-shot init sequence) and resolves their jump labels against it.
func (p *Program) Resolve(instrs []Instr) ([]Instr, error) {
	out := make([]Instr, len(instrs))
	for i, in := range instrs {
		if err := in.check(p.sidesetBits); err != nil {
			return nil, fmt.Errorf("%s: exec %d (%s): %w", p.name, i, in, err)
		}
		if in.Op == OpJmp && in.Target != "" {
			addr, ok := p.labels[in.Target]
			if !ok {
				return nil, fmt.Errorf("%s: exec %d: %w %q", p.name, i, ErrUndefinedLabel, in.Target)
			}
			in.Addr = addr
		}
		out[i] = in
	}
	return out, nil
}

// Encode returns the RP2040 opcodes for the program loaded at origin.
func (p *Program) Encode(origin uint8) []uint16 {
	return p.EncodeExec(p.instrs, origin)
}

// EncodeExec encodes resolved instructions with the program's side-set
// width, relocating jumps by origin.
func (p *Program) EncodeExec(instrs []Instr, origin uint8) []uint16 {
	out := make([]uint16, len(instrs))
	for i, in := range instrs {
		out[i] = in.Encode(p.sidesetBits, origin)
	}
	return out
}

// Disassemble renders the program in pioasm syntax.
func (p *Program) Disassemble() string {
	byAddr := make(map[uint8][]string)
	for name, addr := range p.labels {
		byAddr[addr] = append(byAddr[addr], name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, ".program %s\n", p.name)
	if p.sidesetBits > 0 {
		fmt.Fprintf(&sb, ".side_set %d\n", p.sidesetBits)
	}
	for i, in := range p.instrs {
		pc := uint8(i)
		if pc == p.wrapTarget {
			sb.WriteString(".wrap_target\n")
		}
		names := byAddr[pc]
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(name + ":\n")
		}
		fmt.Fprintf(&sb, "    %-36s ; %2d\n", in.String(), pc)
		if pc == p.wrap {
			sb.WriteString(".wrap\n")
		}
	}
	return sb.String()
}

// Builder accumulates instructions and labels for one program.
type Builder struct {
	name        string
	sidesetBits uint8
	instrs      []Instr
	labels      map[string]uint8
	wrapTarget  int
	wrap        int
	err         error
}

// NewBuilder starts a program with the given side-set width.
func NewBuilder(name string, sidesetBits uint8) *Builder {
	return &Builder{
		name:        name,
		sidesetBits: sidesetBits,
		labels:      make(map[string]uint8),
		wrapTarget:  -1,
		wrap:        -1,
	}
}

// Label names the next instruction.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup && b.err == nil {
		b.err = fmt.Errorf("%s: %w %q", b.name, ErrDuplicateLabel, name)
	}
	b.labels[name] = uint8(len(b.instrs))
	return b
}

// Add appends instructions.
func (b *Builder) Add(instrs ...Instr) *Builder {
	b.instrs = append(b.instrs, instrs...)
	return b
}

// WrapTarget marks the next instruction as .wrap_target.
func (b *Builder) WrapTarget() *Builder {
	b.wrapTarget = len(b.instrs)
	return b
}

// Wrap marks the previous instruction as .wrap.
func (b *Builder) Wrap() *Builder {
	b.wrap = len(b.instrs) - 1
	return b
}

// Assemble resolves labels and returns the finished program. Without
// explicit markers the program wraps from its last instruction to its first.
func (b *Builder) Assemble() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.instrs) == 0 {
		return nil, fmt.Errorf("%s: empty program", b.name)
	}
	if len(b.instrs) > MaxInstructions {
		return nil, fmt.Errorf("%s: %w: %d instructions", b.name, ErrProgramSize, len(b.instrs))
	}

	p := &Program{
		name:        b.name,
		instrs:      make([]Instr, len(b.instrs)),
		labels:      make(map[string]uint8, len(b.labels)),
		sidesetBits: b.sidesetBits,
	}
	for name, addr := range b.labels {
		if int(addr) >= len(b.instrs) {
			return nil, fmt.Errorf("%s: label %q points past the end", b.name, name)
		}
		p.labels[name] = addr
	}
	for i, in := range b.instrs {
		if err := in.check(b.sidesetBits); err != nil {
			return nil, fmt.Errorf("%s: %d (%s): %w", b.name, i, in, err)
		}
		if in.Op == OpJmp && in.Target != "" {
			addr, ok := p.labels[in.Target]
			if !ok {
				return nil, fmt.Errorf("%s: %d: %w %q", b.name, i, ErrUndefinedLabel, in.Target)
			}
			in.Addr = addr
		}
		p.instrs[i] = in
	}

	p.wrapTarget = 0
	if b.wrapTarget >= 0 {
		p.wrapTarget = uint8(b.wrapTarget)
	}
	p.wrap = uint8(len(b.instrs) - 1)
	if b.wrap >= 0 {
		p.wrap = uint8(b.wrap)
	}
	if p.wrapTarget > p.wrap {
		return nil, fmt.Errorf("%s: wrap target %d after wrap %d", b.name, p.wrapTarget, p.wrap)
	}
	return p, nil
}
