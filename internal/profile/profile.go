// Package profile loads guest kernel profiles: the symbol addresses, named
// offsets, and struct field layouts a driver needs to answer resolution
// queries for a specific kernel build. The format is a JSON document in the
// shape libvmi-style tooling produces:
//
//	{
//	  "ostype": "Windows",
//	  "symbols": {"PsActiveProcessHead": "0xfffff80000a4b2c0"},
//	  "offsets": {"win_tasks": "0x448", "win_pid": "0x440"},
//	  "structs": {"_EPROCESS": {"UniqueProcessId": "0x440"}}
//	}
//
// Addresses and offsets may be hex strings or plain JSON numbers; full 64-bit
// kernel addresses do not survive a float64 round trip, so hex strings are
// the reliable spelling.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// HexUint64 is a uint64 that unmarshals from "0x..." strings, decimal
// strings, or JSON numbers.
type HexUint64 uint64

func (h *HexUint64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		base := 10
		if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
			str = str[2:]
			base = 16
		}
		v, err := strconv.ParseUint(str, base, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", str, err)
		}
		*h = HexUint64(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*h = HexUint64(v)
	return nil
}

// Profile holds the resolution tables for one kernel build.
type Profile struct {
	OSType  string                          `json:"ostype"`
	Symbols map[string]HexUint64            `json:"symbols"`
	Offsets map[string]HexUint64            `json:"offsets"`
	Structs map[string]map[string]HexUint64 `json:"structs"`
}

// Load reads and parses a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// Parse parses a profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Symbols == nil {
		p.Symbols = make(map[string]HexUint64)
	}
	if p.Offsets == nil {
		p.Offsets = make(map[string]HexUint64)
	}
	if p.Structs == nil {
		p.Structs = make(map[string]map[string]HexUint64)
	}
	return &p, nil
}

// Symbol resolves a kernel symbol to its virtual address.
func (p *Profile) Symbol(name string) (uint64, bool) {
	v, ok := p.Symbols[name]
	return uint64(v), ok
}

// Offset resolves a named offset.
func (p *Profile) Offset(name string) (uint64, bool) {
	v, ok := p.Offsets[name]
	return uint64(v), ok
}

// StructOffset resolves a field offset inside a named struct.
func (p *Profile) StructOffset(structName, field string) (uint64, bool) {
	fields, ok := p.Structs[structName]
	if !ok {
		return 0, false
	}
	v, ok := fields[field]
	return uint64(v), ok
}
