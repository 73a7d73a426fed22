package optimizer

import (
	"fmt"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// Common helper functions for optimizer state management

// extractBufferState copies one per-parameter buffer into a state tensor
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.StateTensor {
	return checkpoints.StateTensor{
		Name:      stateType + "." + name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferStates rebuilds per-parameter buffers of one state type.
// Tensors naming parameters that no longer exist, or whose size changed,
// are rejected so a partially compatible checkpoint never corrupts state.
func restoreBufferStates(state *checkpoints.ComponentState, stateType string, params []*tensor.Parameter) (map[string][]float32, error) {
	byName := make(map[string]*tensor.Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	out := make(map[string][]float32)
	prefix := stateType + "."
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		if len(t.Name) <= len(prefix) || t.Name[:len(prefix)] != prefix {
			return nil, fmt.Errorf("malformed %s state tensor name %q", stateType, t.Name)
		}
		name := t.Name[len(prefix):]
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%s state for unknown parameter %s", stateType, name)
		}
		if len(t.Data) != len(p.Data) {
			return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(p.Data), len(t.Data))
		}
		out[name] = append([]float32(nil), t.Data...)
	}
	return out, nil
}

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map. JSON and
// structpb both decode numbers as float64.
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case int:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
