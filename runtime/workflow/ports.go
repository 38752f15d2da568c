package workflow

type (
	// PortType is the declared data type of a port.
	PortType string

	// Port is one declared input or output of a component type.
	Port struct {
		// Name identifies the port on edges.
		Name string `json:"name"`
		// Type is the port's data type.
		Type PortType `json:"type"`
		// Required marks input ports that must be connected when the node is
		// reachable from a trigger.
		Required bool `json:"required,omitempty"`
	}
)

const (
	// PortString carries text.
	PortString PortType = "STRING"
	// PortNumber carries numeric values.
	PortNumber PortType = "NUMBER"
	// PortBoolean carries booleans.
	PortBoolean PortType = "BOOLEAN"
	// PortObject carries structured mappings.
	PortObject PortType = "OBJECT"
	// PortArray carries ordered collections.
	PortArray PortType = "ARRAY"
	// PortMessages carries conversation transcripts.
	PortMessages PortType = "MESSAGES"
	// PortAny is assignable to and from every other type.
	PortAny PortType = "ANY"
)

// AssignableTo reports whether a value of type t can flow into a port of type
// target. ANY bridges everything; concrete types require an exact match.
func (t PortType) AssignableTo(target PortType) bool {
	if t == PortAny || target == PortAny {
		return true
	}
	return t == target
}

// InputPort resolves a declared input port by name, treating an empty name
// as the first declared input.
func (d Definition) InputPort(name string) (Port, bool) {
	return portByName(d.Inputs, name)
}

// OutputPort resolves a declared output port by name, treating an empty name
// as the first declared output.
func (d Definition) OutputPort(name string) (Port, bool) {
	return portByName(d.Outputs, name)
}

// portByName finds a declared port, treating an empty name as the first
// declared port. Edges drawn in the editor frequently omit port names on
// single-port nodes.
func portByName(ports []Port, name string) (Port, bool) {
	if len(ports) == 0 {
		return Port{}, false
	}
	if name == "" {
		return ports[0], true
	}
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}
