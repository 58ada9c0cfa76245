package flowmodel

import (
	"fmt"

	"github.com/pkg/errors"
)

// FlowModel is the root container: a DAG of uniquely-named submodels
// connected by typed ports, plus optional per-submodel scheduling metadata.
// It is immutable once Compile succeeds.
type FlowModel struct {
	Name      string
	submodels map[string]*Submodel
	edges     []Edge
	meta      map[string]SchedMeta
	compiled  bool
}

// New creates an empty, mutable FlowModel builder.
func New(name string) *FlowModel {
	return &FlowModel{
		Name:      name,
		submodels: make(map[string]*Submodel),
		meta:      make(map[string]SchedMeta),
	}
}

// AddSubmodel registers a submodel under its unique name. Returns an error
// if the model is already compiled or the name collides.
func (m *FlowModel) AddSubmodel(s *Submodel) error {
	if m.compiled {
		return errors.New("flowmodel: cannot add submodel to a compiled FlowModel")
	}
	if s.Name == "" {
		return errors.New("flowmodel: submodel name must not be empty")
	}
	if _, exists := m.submodels[s.Name]; exists {
		return errors.Errorf("flowmodel: duplicate submodel name %q", s.Name)
	}
	m.submodels[s.Name] = s
	return nil
}

// AddEdge registers a producer->consumer port edge in the relation graph.
func (m *FlowModel) AddEdge(e Edge) error {
	if m.compiled {
		return errors.New("flowmodel: cannot add edge to a compiled FlowModel")
	}
	m.edges = append(m.edges, e)
	return nil
}

// SetSchedMeta attaches scheduling metadata (priority, engine override) to a
// named submodel.
func (m *FlowModel) SetSchedMeta(submodel string, meta SchedMeta) {
	m.meta[submodel] = meta
}

// Submodels returns the compiled model's submodel map. Callers must not
// mutate the returned map or its values.
func (m *FlowModel) Submodels() map[string]*Submodel { return m.submodels }

// Submodel looks up a single submodel by name.
func (m *FlowModel) Submodel(name string) (*Submodel, bool) {
	s, ok := m.submodels[name]
	return s, ok
}

// Edges returns the compiled relation graph's edges.
func (m *FlowModel) Edges() []Edge { return m.edges }

// SchedMeta returns the scheduling metadata for a submodel, if any.
func (m *FlowModel) SchedMeta(submodel string) (SchedMeta, bool) {
	v, ok := m.meta[submodel]
	return v, ok
}

// Compile freezes the FlowModel and validates the invariants of spec §3:
// unique submodel names (enforced at AddSubmodel time), every edge naming
// a registered submodel (an empty name stands for an external endpoint),
// every declared input/output port named by at least one edge, and every
// port an edge names declared on its submodel. A port may appear on
// several edges.
func (m *FlowModel) Compile() error {
	if m.compiled {
		return nil
	}

	inCount := make(map[string]map[string]int)
	outCount := make(map[string]map[string]int)
	for _, e := range m.edges {
		if e.SrcSubmodel != "" {
			if _, ok := m.submodels[e.SrcSubmodel]; !ok {
				return errors.Errorf("flowmodel: edge references unknown producer submodel %q", e.SrcSubmodel)
			}
			bump(outCount, e.SrcSubmodel, e.SrcPort)
		}
		if e.DstSubmodel != "" {
			if _, ok := m.submodels[e.DstSubmodel]; !ok {
				return errors.Errorf("flowmodel: edge references unknown consumer submodel %q", e.DstSubmodel)
			}
			bump(inCount, e.DstSubmodel, e.DstPort)
		}
	}

	for name, s := range m.submodels {
		if err := checkPortCoverage(name, "input", s.Inputs, inCount[name]); err != nil {
			return err
		}
		if err := checkPortCoverage(name, "output", s.Outputs, outCount[name]); err != nil {
			return err
		}
	}

	m.compiled = true
	return nil
}

// IsCompiled reports whether Compile has succeeded on this model.
func (m *FlowModel) IsCompiled() bool { return m.compiled }

func bump(counts map[string]map[string]int, submodel, port string) {
	m, ok := counts[submodel]
	if !ok {
		m = make(map[string]int)
		counts[submodel] = m
	}
	m[port]++
}

func checkPortCoverage(submodel, kind string, ports []Port, seen map[string]int) error {
	for _, p := range ports {
		if seen[p.Name] == 0 {
			return errors.Errorf("flowmodel: submodel %q declares %s port %q with no matching relation edge", submodel, kind, p.Name)
		}
	}
	for name := range seen {
		found := false
		for _, p := range ports {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("flowmodel: relation graph names %s port %q on submodel %q, which declares no such port", kind, name, submodel)
		}
	}
	return nil
}
