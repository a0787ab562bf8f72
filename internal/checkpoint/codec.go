package checkpoint

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decode reads a checkpoint written by json.Marshal. Integral numbers in
// Variables come back as int and the rest as float64, so integer
// variables survive a save and reload unchanged.
func Decode(data []byte) (Checkpoint, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cp Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return Checkpoint{}, err
	}
	for k, v := range cp.Variables {
		cp.Variables[k] = number(v)
	}
	return cp, nil
}

func number(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := x.Int64(); err == nil && int64(int(i)) == i {
				return int(i)
			}
		}
		f, err := x.Float64()
		if err != nil {
			return s
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = number(e)
		}
	case []any:
		for i, e := range x {
			x[i] = number(e)
		}
	}
	return v
}
