package nvcf

import (
	"context"
	"reflect"
)

// Datatype is the wire datatype of an input or output tensor.
type Datatype string

// Wire datatypes understood by the remote service.
const (
	DatatypeUint16 Datatype = "UINT16"
	DatatypeUint32 Datatype = "UINT32"
	DatatypeFP32   Datatype = "FP32"
	DatatypeBool   Datatype = "BOOL"
	DatatypeBytes  Datatype = "BYTES"
)

// DefaultPrimaryOutput is the output name requested when a spec names none.
const DefaultPrimaryOutput = "generated_image"

// Parameter is a named input value with its wire datatype.
type Parameter struct {
	Name     string
	Value    any
	Datatype Datatype
}

// IsNull reports whether the parameter carries no value and must be left off the wire.
func (p Parameter) IsNull() bool {
	if p.Value == nil {
		return true
	}
	v := reflect.ValueOf(p.Value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// wireValue dereferences pointer values so that *int and int serialize alike.
func (p Parameter) wireValue() any {
	v := reflect.ValueOf(p.Value)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	return v.Interface()
}

// InferDatatype returns the wire datatype for a Go value: integers map to
// UINT32, floats to FP32, booleans to BOOL and everything else to BYTES.
func InferDatatype(value any) Datatype {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return DatatypeBytes
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Bool:
		return DatatypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return DatatypeUint32
	case reflect.Float32, reflect.Float64:
		return DatatypeFP32
	default:
		return DatatypeBytes
	}
}

// Asset is the materialized payload of an input asset.
type Asset struct {
	Data          []byte
	ContentType   string
	ContentLength int64
}

// AssetLoader produces an asset on demand. It is only invoked when the asset
// is staged, so declaring an unused loader costs nothing.
type AssetLoader func(ctx context.Context) (*Asset, error)

// AssetInput pairs an input field name with the loader that produces its payload.
type AssetInput struct {
	Field  string
	Loader AssetLoader
}

// JobSpec describes one remote generation job. It is immutable once built;
// accessors return copies.
type JobSpec struct {
	functionID    string
	params        []Parameter
	assets        []AssetInput
	primaryOutput string
	profileOutput string
}

// FunctionID returns the remote function the job targets.
func (s *JobSpec) FunctionID() string { return s.functionID }

// PrimaryOutput returns the name of the output holding the generated image.
func (s *JobSpec) PrimaryOutput() string { return s.primaryOutput }

// ProfileOutput returns the optional secondary output name, or "".
func (s *JobSpec) ProfileOutput() string { return s.profileOutput }

// Params returns the parameters in declaration order, null values included.
func (s *JobSpec) Params() []Parameter {
	out := make([]Parameter, len(s.params))
	copy(out, s.params)
	return out
}

// Assets returns the declared asset inputs in declaration order.
func (s *JobSpec) Assets() []AssetInput {
	out := make([]AssetInput, len(s.assets))
	copy(out, s.assets)
	return out
}

// SpecBuilder accumulates the parts of a JobSpec.
type SpecBuilder struct {
	spec JobSpec
}

// NewSpec starts a JobSpec for functionID.
func NewSpec(functionID string) *SpecBuilder {
	return &SpecBuilder{spec: JobSpec{functionID: functionID, primaryOutput: DefaultPrimaryOutput}}
}

// Param adds a parameter whose datatype is inferred from value.
// Setting a name twice replaces the earlier value in place.
func (b *SpecBuilder) Param(name string, value any) *SpecBuilder {
	return b.Typed(name, value, InferDatatype(value))
}

// Typed adds a parameter with an explicit datatype.
func (b *SpecBuilder) Typed(name string, value any, dt Datatype) *SpecBuilder {
	p := Parameter{Name: name, Value: value, Datatype: dt}
	for i := range b.spec.params {
		if b.spec.params[i].Name == name {
			b.spec.params[i] = p
			return b
		}
	}
	b.spec.params = append(b.spec.params, p)
	return b
}

// Asset declares an input asset. A nil loader leaves the asset out of the job.
func (b *SpecBuilder) Asset(field string, loader AssetLoader) *SpecBuilder {
	if loader == nil {
		return b
	}
	b.spec.assets = append(b.spec.assets, AssetInput{Field: field, Loader: loader})
	return b
}

// PrimaryOutput overrides the primary output name.
func (b *SpecBuilder) PrimaryOutput(name string) *SpecBuilder {
	b.spec.primaryOutput = name
	return b
}

// ProfileOutput requests an additional output returned undecoded alongside the image.
func (b *SpecBuilder) ProfileOutput(name string) *SpecBuilder {
	b.spec.profileOutput = name
	return b
}

// Build returns the finished spec. The builder may keep being used; later
// changes do not affect specs already built.
func (b *SpecBuilder) Build() *JobSpec {
	s := b.spec
	s.params = append([]Parameter(nil), b.spec.params...)
	s.assets = append([]AssetInput(nil), b.spec.assets...)
	return &s
}
