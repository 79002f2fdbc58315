package nvcf

// wireTensor is one entry of the inputs or outputs list.
type wireTensor struct {
	Name     string   `json:"name"`
	Shape    []int    `json:"shape"`
	Datatype Datatype `json:"datatype"`
	Data     []any    `json:"data,omitempty"`
}

type requestHeader struct {
	InputAssetReferences []string `json:"inputAssetReferences"`
}

// payload is the JSON body of a submission.
type payload struct {
	Inputs        []wireTensor   `json:"inputs"`
	Outputs       []wireTensor   `json:"outputs"`
	RequestHeader *requestHeader `json:"requestHeader,omitempty"`
}

// buildPayload renders spec as a submission body. Null parameters are omitted.
func buildPayload(spec *JobSpec) *payload {
	p := &payload{Inputs: make([]wireTensor, 0, len(spec.params))}
	for _, param := range spec.params {
		if param.IsNull() {
			continue
		}
		p.Inputs = append(p.Inputs, wireTensor{
			Name:     param.Name,
			Shape:    []int{1},
			Datatype: param.Datatype,
			Data:     []any{param.wireValue()},
		})
	}

	p.Outputs = append(p.Outputs, wireTensor{Name: spec.primaryOutput, Shape: []int{1}, Datatype: DatatypeBytes})
	if spec.profileOutput != "" {
		p.Outputs = append(p.Outputs, wireTensor{Name: spec.profileOutput, Shape: []int{1}, Datatype: DatatypeBytes})
	}
	return p
}

// attachAssets adds one BYTES input per staged asset, carrying the asset id,
// and lists every id in the request header.
func (p *payload) attachAssets(staged []StagedAsset) {
	if len(staged) == 0 {
		return
	}
	ids := make([]string, 0, len(staged))
	for _, a := range staged {
		p.Inputs = append(p.Inputs, wireTensor{
			Name:     a.Field,
			Shape:    []int{1},
			Datatype: DatatypeBytes,
			Data:     []any{a.ID},
		})
		ids = append(ids, a.ID)
	}
	p.RequestHeader = &requestHeader{InputAssetReferences: ids}
}
