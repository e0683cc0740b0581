package parser

import (
	"encoding/json"
	"fmt"
)

// Field is a bit set recording which detection fields were present and
// correctly typed in the decoded payload.
type Field uint16

const (
	FieldTA Field = 1 << iota
	FieldTX
	FieldTY
	FieldTXNoCross
	FieldTYNoCross
	FieldTXP
	FieldTYP
	FieldID
	FieldFamily
	FieldCorners
)

var numericKeys = []struct {
	key  string
	flag Field
}{
	{"ta", FieldTA},
	{"tx", FieldTX},
	{"ty", FieldTY},
	{"tx_nocross", FieldTXNoCross},
	{"ty_nocross", FieldTYNoCross},
	{"txp", FieldTXP},
	{"typ", FieldTYP},
}

// Point is one [x,y] corner in image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Target is the first element of a "Fiducial" or "Retro" array.
// Corners are ordered bottom-left, bottom-right, top-right, top-left.
type Target struct {
	TA        float64
	TX        float64
	TY        float64
	TXNoCross float64
	TYNoCross float64
	TXP       float64
	TYP       float64
	ID        int
	Family    string
	Corners   [4]Point
	Present   Field
}

// Has reports whether every field in f was decoded.
func (t *Target) Has(f Field) bool {
	return t != nil && t.Present&f == f
}

// Detection is a decoded 'J' payload. Absent targets are nil.
type Detection struct {
	Fiducial     *Target
	Retro        *Target
	PipelineID   int
	PipelineType string
	Valid        int

	HasPipelineID   bool
	HasPipelineType bool
	HasValid        bool
}

// DecodeDetection parses a 'J' payload. Only malformed JSON or a non-object
// root is an error; missing or mistyped keys are recorded as absent so the
// accessors can fall back to defaults.
func DecodeDetection(payload []byte) (*Detection, error) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("decode detection: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("decode detection: root is not an object")
	}

	d := &Detection{PipelineID: -1}
	if v, ok := number(root["pID"]); ok {
		d.PipelineID, d.HasPipelineID = int(v), true
	}
	if v, ok := root["pTYPE"].(string); ok {
		d.PipelineType, d.HasPipelineType = v, true
	}
	if v, ok := number(root["v"]); ok {
		d.Valid, d.HasValid = int(v), true
	}
	d.Fiducial = decodeTarget(root["Fiducial"])
	d.Retro = decodeTarget(root["Retro"])
	return d, nil
}

func decodeTarget(raw any) *Target {
	arr, ok := raw.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	obj, ok := arr[0].(map[string]any)
	if !ok {
		return nil
	}

	t := &Target{}
	dst := []*float64{&t.TA, &t.TX, &t.TY, &t.TXNoCross, &t.TYNoCross, &t.TXP, &t.TYP}
	for i, k := range numericKeys {
		if v, ok := number(obj[k.key]); ok {
			*dst[i] = v
			t.Present |= k.flag
		}
	}
	if v, ok := number(obj["fID"]); ok {
		t.ID = int(v)
		t.Present |= FieldID
	}
	if v, ok := obj["fam"].(string); ok {
		t.Family = v
		t.Present |= FieldFamily
	}
	if corners, ok := decodeCorners(obj["pts"]); ok {
		t.Corners = corners
		t.Present |= FieldCorners
	}
	return t
}

func decodeCorners(raw any) ([4]Point, bool) {
	var out [4]Point
	pts, ok := raw.([]any)
	if !ok || len(pts) < 4 {
		return out, false
	}
	for i := range out {
		xy, ok := pts[i].([]any)
		if !ok || len(xy) < 2 {
			return out, false
		}
		x, okx := number(xy[0])
		y, oky := number(xy[1])
		if !okx || !oky {
			return out, false
		}
		out[i] = Point{X: x, Y: y}
	}
	return out, true
}

// number accepts JSON numbers and booleans (the co-processor sometimes sends v as true/false).
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// EncodeDetection is the inverse of DecodeDetection for the present fields.
// The simulator uses it to produce payloads.
func EncodeDetection(d *Detection) ([]byte, error) {
	root := map[string]any{}
	if d.HasPipelineID {
		root["pID"] = d.PipelineID
	}
	if d.HasPipelineType {
		root["pTYPE"] = d.PipelineType
	}
	if d.HasValid {
		root["v"] = d.Valid
	}
	if d.Fiducial != nil {
		root["Fiducial"] = []any{encodeTarget(d.Fiducial)}
	}
	if d.Retro != nil {
		root["Retro"] = []any{encodeTarget(d.Retro)}
	}
	return json.Marshal(root)
}

func encodeTarget(t *Target) map[string]any {
	obj := map[string]any{}
	src := []float64{t.TA, t.TX, t.TY, t.TXNoCross, t.TYNoCross, t.TXP, t.TYP}
	for i, k := range numericKeys {
		if t.Present&k.flag != 0 {
			obj[k.key] = src[i]
		}
	}
	if t.Present&FieldID != 0 {
		obj["fID"] = t.ID
	}
	if t.Present&FieldFamily != 0 {
		obj["fam"] = t.Family
	}
	if t.Present&FieldCorners != 0 {
		pts := make([][2]float64, 4)
		for i, c := range t.Corners {
			pts[i] = [2]float64{c.X, c.Y}
		}
		obj["pts"] = pts
	}
	return obj
}
