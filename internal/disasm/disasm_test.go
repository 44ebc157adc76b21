package disasm

import (
	"testing"

	"github.com/zboralski/vigil/internal/vmi"
)

func TestAnalyzePushReg(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		src  vmi.Register
		len  uint64
	}{
		{"push rbx", []byte{0x53}, vmi.RBX, 1},
		{"push rbp", []byte{0x55}, vmi.RBP, 1},
		{"push r12", []byte{0x41, 0x54}, vmi.R12, 2},
		{"push r15", []byte{0x41, 0x57}, vmi.R15, 2},
	}

	for _, tc := range cases {
		s, err := Analyze(tc.code, 0x1000, Bits64)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if s == nil {
			t.Fatalf("%s: expected strategy, got none", tc.name)
		}
		if s.Kind != KindPush {
			t.Errorf("%s: kind = %v, want push", tc.name, s.Kind)
		}
		if s.Src != tc.src {
			t.Errorf("%s: src = %v, want %v", tc.name, s.Src, tc.src)
		}
		if s.Len != tc.len {
			t.Errorf("%s: len = %d, want %d", tc.name, s.Len, tc.len)
		}
	}
}

func TestAnalyzeMovToMem(t *testing.T) {
	// mov [rsp+0x20], rbx
	s, err := Analyze([]byte{0x48, 0x89, 0x5C, 0x24, 0x20}, 0x1000, Bits64)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s == nil || s.Kind != KindMoveToMem {
		t.Fatalf("expected mov-to-mem strategy, got %v", s)
	}
	if s.Src != vmi.RBX {
		t.Errorf("src = %v, want rbx", s.Src)
	}
	if s.Base != vmi.RSP {
		t.Errorf("base = %v, want rsp", s.Base)
	}
	if s.Disp != 0x20 {
		t.Errorf("disp = %#x, want 0x20", s.Disp)
	}
	if s.Width != 64 {
		t.Errorf("width = %d, want 64", s.Width)
	}
	if s.Len != 5 {
		t.Errorf("len = %d, want 5", s.Len)
	}
}

func TestAnalyzeMovToMemNegativeDisp(t *testing.T) {
	// mov [rbp-0x8], rdi
	s, err := Analyze([]byte{0x48, 0x89, 0x7D, 0xF8}, 0x1000, Bits64)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s == nil || s.Kind != KindMoveToMem {
		t.Fatalf("expected mov-to-mem strategy, got %v", s)
	}
	if s.Src != vmi.RDI || s.Base != vmi.RBP {
		t.Errorf("operands = %v/%v, want rdi/rbp", s.Src, s.Base)
	}
	if s.Disp != -8 {
		t.Errorf("disp = %d, want -8", s.Disp)
	}
	if s.Len != 4 {
		t.Errorf("len = %d, want 4", s.Len)
	}
}

func TestAnalyzeMovRegReg(t *testing.T) {
	// mov rbp, rsp
	s, err := Analyze([]byte{0x48, 0x89, 0xE5}, 0x1000, Bits64)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s == nil || s.Kind != KindMovRegReg {
		t.Fatalf("expected mov-reg-reg strategy, got %v", s)
	}
	if s.Dst != vmi.RBP || s.Src != vmi.RSP {
		t.Errorf("operands = %v/%v, want rbp/rsp", s.Dst, s.Src)
	}
	if s.Len != 3 {
		t.Errorf("len = %d, want 3", s.Len)
	}
}

func TestAnalyzeSubImm(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		reg  vmi.Register
		imm  uint64
		len  uint64
	}{
		// sub rsp, 0x28 (8-bit immediate, sign-extended)
		{"sub rsp, 0x28", []byte{0x48, 0x83, 0xEC, 0x28}, vmi.RSP, 0x28, 4},
		// sub rsp, 0x228 (32-bit immediate)
		{"sub rsp, 0x228", []byte{0x48, 0x81, 0xEC, 0x28, 0x02, 0x00, 0x00}, vmi.RSP, 0x228, 7},
	}

	for _, tc := range cases {
		s, err := Analyze(tc.code, 0x1000, Bits64)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if s == nil || s.Kind != KindSubImm {
			t.Fatalf("%s: expected sub-imm strategy, got %v", tc.name, s)
		}
		if s.Dst != tc.reg {
			t.Errorf("%s: reg = %v, want %v", tc.name, s.Dst, tc.reg)
		}
		if s.Imm != tc.imm {
			t.Errorf("%s: imm = %#x, want %#x", tc.name, s.Imm, tc.imm)
		}
		if s.Len != tc.len {
			t.Errorf("%s: len = %d, want %d", tc.name, s.Len, tc.len)
		}
	}
}

func TestAnalyzeLea(t *testing.T) {
	// lea rbp, [rsp+0x20]
	s, err := Analyze([]byte{0x48, 0x8D, 0x6C, 0x24, 0x20}, 0x1000, Bits64)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s == nil || s.Kind != KindLea {
		t.Fatalf("expected lea strategy, got %v", s)
	}
	if s.Dst != vmi.RBP || s.Base != vmi.RSP {
		t.Errorf("operands = %v/%v, want rbp/rsp", s.Dst, s.Base)
	}
	if s.Disp != 0x20 {
		t.Errorf("disp = %#x, want 0x20", s.Disp)
	}
	if s.Len != 5 {
		t.Errorf("len = %d, want 5", s.Len)
	}
}

func TestAnalyzeUnsupported(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		// scaled index operands are never replayed, regardless of mnemonic
		{"mov [rax+rcx*4], edx", []byte{0x89, 0x14, 0x88}},
		{"lea rax, [rbx+rcx*8]", []byte{0x48, 0x8D, 0x04, 0xCB}},
		// rip-relative base is outside the GP register set
		{"lea rax, [rip+0x10]", []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00}},
		// 16-bit source register is outside the replayable set
		{"mov [rsp+0x8], bx", []byte{0x66, 0x89, 0x5C, 0x24, 0x08}},
		// unrelated mnemonics
		{"ret", []byte{0xC3}},
		{"nop", []byte{0x90}},
		{"xor eax, eax", []byte{0x31, 0xC0}},
	}

	for _, tc := range cases {
		s, err := Analyze(tc.code, 0x1000, Bits64)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if s != nil {
			t.Errorf("%s: expected no strategy, got %v", tc.name, s)
		}
	}
}

func TestAnalyze32Bit(t *testing.T) {
	// mov [esp+0x8], ebx in a 32-bit guest
	s, err := Analyze([]byte{0x89, 0x5C, 0x24, 0x08}, 0x1000, Bits32)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s == nil || s.Kind != KindMoveToMem {
		t.Fatalf("expected mov-to-mem strategy, got %v", s)
	}
	if s.Src != vmi.RBX || s.Base != vmi.RSP {
		t.Errorf("operands = %v/%v, want rbx/rsp (32-bit forms map to parents)", s.Src, s.Base)
	}
	if s.Width != 32 {
		t.Errorf("width = %d, want 32", s.Width)
	}
}

func TestAnalyzeDecodeErrors(t *testing.T) {
	if _, err := Analyze(nil, 0x1000, Bits64); err == nil {
		t.Error("empty buffer: expected error")
	}
	// bare prefixes decode leniently as prefix-only pseudo-instructions with
	// no opcode; they must still be reported as decode failures, not as
	// unreplayable instructions
	if _, err := Analyze([]byte{0x48}, 0x1000, Bits64); err == nil {
		t.Error("lone REX prefix: expected error")
	}
	if _, err := Analyze([]byte{0x66}, 0x1000, Bits64); err == nil {
		t.Error("lone operand-size prefix: expected error")
	}
}

func TestBitnessFromAddressWidth(t *testing.T) {
	if b := BitnessFromAddressWidth(8); b != Bits64 {
		t.Errorf("width 8 = %v, want 64-bit", b)
	}
	if b := BitnessFromAddressWidth(4); b != Bits32 {
		t.Errorf("width 4 = %v, want 32-bit", b)
	}
}
