package runtime

import "encoding/json"

// VariableHolder is a string-keyed bag of dynamically typed values with an
// optional parent scope. Task-local holders layer on top of the instance
// holder so mappings can read the full scope while writes stay local until
// propagated.
type VariableHolder struct {
	parent         *VariableHolder
	localVariables map[string]any
}

// NewVariableHolder creates a holder with a given parent and local variables.
// If localVariables is nil, the parent's variables are copied in.
func NewVariableHolder(parent *VariableHolder, localVariables map[string]any) VariableHolder {
	if localVariables == nil {
		localVariables = make(map[string]any)
		if parent != nil {
			for k, v := range parent.localVariables {
				localVariables[k] = v
			}
		}
	}
	return VariableHolder{
		parent:         parent,
		localVariables: localVariables,
	}
}

// Variables returns the local variable map.
func (vh *VariableHolder) Variables() map[string]any {
	if vh.localVariables == nil {
		vh.localVariables = make(map[string]any)
	}
	return vh.localVariables
}

func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, val any) {
	if vh.localVariables == nil {
		vh.localVariables = make(map[string]any)
	}
	vh.localVariables[key] = val
}

func (vh *VariableHolder) SetVariables(variables map[string]any) {
	for k, v := range variables {
		vh.SetVariable(k, v)
	}
}

// PropagateVariables sets values with the given keys on the parent holder.
func (vh *VariableHolder) PropagateVariables(variables map[string]any) {
	if vh.parent == nil {
		return
	}
	for k, v := range variables {
		vh.parent.SetVariable(k, v)
	}
}

// MarshalJSON serializes only the local variables; the parent scope belongs
// to the owning record and is restored on load.
func (vh VariableHolder) MarshalJSON() ([]byte, error) {
	return json.Marshal(vh.localVariables)
}

func (vh *VariableHolder) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &vh.localVariables)
}

// Copy returns an independent copy of the local variables, used when taking
// snapshots so later mutations do not leak into the snapshot record.
func (vh *VariableHolder) Copy() map[string]any {
	cp := make(map[string]any, len(vh.localVariables))
	for k, v := range vh.localVariables {
		cp[k] = v
	}
	return cp
}
