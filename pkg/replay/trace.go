package replay

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/revmon/revmon/pkg/config"
)

// Trace is a recorded execution: initial memory, the tasks that ran and
// one Step per executed instruction.
type Trace struct {
	Target     config.Target    `yaml:"target"`
	StartCycle uint64           `yaml:"start-cycle"`
	Tasks      []Task           `yaml:"tasks"`
	Pages      []Page           `yaml:"pages"`
	Memory     []Chunk          `yaml:"memory"`
	Faults     map[int][]uint64 `yaml:"faults,omitempty"`
	Syscalls   map[string]int   `yaml:"syscalls,omitempty"`
	Steps      []Step           `yaml:"steps"`
}

// Task is a process known to the recorded kernel.
type Task struct {
	Pid  int    `yaml:"pid"`
	Comm string `yaml:"comm"`
	// Rec is the address of the task's scheduler structure.
	Rec uint64 `yaml:"rec"`
}

// Page maps a logical page to a physical one.
type Page struct {
	Logical  uint64 `yaml:"logical"`
	Physical uint64 `yaml:"physical"`
	Entry    uint64 `yaml:"entry"`
}

// Chunk is initial memory content. Hex holds space separated hex bytes.
type Chunk struct {
	Addr uint64 `yaml:"addr"`
	Hex  string `yaml:"bytes"`
	Data []byte `yaml:"-"`
}

// Bytes returns the decoded content of the chunk.
func (c Chunk) Bytes() ([]byte, error) {
	if c.Data != nil {
		return c.Data, nil
	}
	return hex.DecodeString(strings.Join(strings.Fields(c.Hex), ""))
}

// Step is the state at one cycle. Regs lists registers whose value
// changed on arrival at this cycle; Writes and Reads are the memory
// accesses made by the instruction at PC.
type Step struct {
	Pid    int               `yaml:"pid"`
	PC     uint64            `yaml:"pc"`
	Regs   map[string]uint64 `yaml:"regs,omitempty"`
	Writes []Write           `yaml:"writes,omitempty"`
	Reads  []Access          `yaml:"reads,omitempty"`
}

// Write is a memory store of Size bytes, little endian.
type Write struct {
	Addr  uint64 `yaml:"addr"`
	Size  int    `yaml:"size"`
	Value uint64 `yaml:"value"`

	old []byte
}

// Access is a memory load.
type Access struct {
	Addr uint64 `yaml:"addr"`
	Size int    `yaml:"size"`
}

// ParseTrace decodes a YAML trace.
func ParseTrace(data []byte) (*Trace, error) {
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("could not parse trace: %w", err)
	}
	if len(tr.Steps) == 0 {
		return nil, fmt.Errorf("trace has no steps")
	}
	return &tr, nil
}

// LoadTrace reads a YAML trace file.
func LoadTrace(path string) (*Trace, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTrace(data)
}
