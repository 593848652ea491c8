package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Ports are the three ports a kernel listens on. Zero asks for an ephemeral
// port.
type Ports struct {
	Command   int `json:"command_port" yaml:"command_port" toml:"command_port"`
	Broadcast int `json:"broadcast_port" yaml:"broadcast_port" toml:"broadcast_port"`
	Input     int `json:"input_port" yaml:"input_port" toml:"input_port"`
}

// Resolved reports whether every port is known.
func (p Ports) Resolved() bool {
	return p.Command != 0 && p.Broadcast != 0 && p.Input != 0
}

// WritePorts writes p as a single JSON line. A launched kernel process
// announces its ports this way on stdout.
func WritePorts(w io.Writer, p Ports) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ParsePorts parses a line written by WritePorts.
func ParsePorts(line []byte) (Ports, error) {
	var p Ports
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(line)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Ports{}, fmt.Errorf("invalid ports line %q: %w", line, err)
	}
	if !p.Resolved() {
		return Ports{}, fmt.Errorf("ports line %q is missing a port", line)
	}
	return p, nil
}
