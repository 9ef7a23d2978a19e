package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// funcTool adapts a Go function to the Tool interface. The parameter schema
// is derived once from the argument struct.
type funcTool struct {
	name        string
	description string
	fn          reflect.Value
	argType     reflect.Type
	withContext bool
	params      *Schema
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }
func (t *funcTool) Parameters() *Schema { return t.params }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	arg := reflect.New(t.argType)
	if len(args) > 0 {
		if err := json.Unmarshal(args, arg.Interface()); err != nil {
			return nil, fmt.Errorf("tool %s: decode arguments: %w", t.name, err)
		}
	}
	in := []reflect.Value{arg.Elem()}
	if t.withContext {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, in...)
	}
	return splitResults(t.fn.Call(in))
}

// splitResults maps the allowed return shapes (), (error), (T) and
// (T, error) onto (any, error).
func splitResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		err, _ := out[1].Interface().(error)
		return out[0].Interface(), err
	}
}

// NewFuncTool wraps fn, which must look like func([ctx,] Args) with zero,
// one (result or error) or two (result, error) return values.
func NewFuncTool(name, description string, fn any) (Tool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("tool name is empty")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("tool %s: want a function, got %T", name, fn)
	}
	ft := v.Type()
	withContext := ft.NumIn() == 2 && ft.In(0) == contextType
	switch {
	case ft.NumIn() == 1 && ft.In(0) != contextType:
	case withContext:
	default:
		return nil, fmt.Errorf("tool %s: want func(Args) or func(context.Context, Args)", name)
	}
	switch ft.NumOut() {
	case 0, 1:
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("tool %s: second result must be error", name)
		}
	default:
		return nil, fmt.Errorf("tool %s: too many results", name)
	}
	argType := ft.In(ft.NumIn() - 1)
	return &funcTool{
		name:        name,
		description: description,
		fn:          v,
		argType:     argType,
		withContext: withContext,
		params:      schemaOf(argType),
	}, nil
}

// FuncTool is NewFuncTool for static tool definitions; it panics on a bad
// signature.
func FuncTool(name, description string, fn any) Tool {
	tool, err := NewFuncTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return tool
}

func schemaOf(t reflect.Type) *Schema {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return objectSchema(t)
	case reflect.Bool:
		return &Schema{Type: SchemaTypeBoolean}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: SchemaTypeInteger}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: SchemaTypeNumber}
	case reflect.Slice, reflect.Array:
		return &Schema{Type: SchemaTypeArray, Items: schemaOf(t.Elem())}
	case reflect.Map:
		return &Schema{Type: SchemaTypeObject}
	default:
		return &Schema{Type: SchemaTypeString}
	}
}

// objectSchema reads json, desc and enum tags. Fields are required unless
// tagged omitempty or declared as pointers.
func objectSchema(t reflect.Type) *Schema {
	s := &Schema{Type: SchemaTypeObject, Properties: map[string]*Schema{}, Required: []string{}}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		prop := schemaOf(f.Type)
		prop.Description = f.Tag.Get("desc")
		if enum := f.Tag.Get("enum"); enum != "" {
			prop.Enum = strings.Split(enum, ",")
		}
		s.Properties[name] = prop
		optional := f.Type.Kind() == reflect.Ptr || strings.Contains(opts, "omitempty")
		if !optional {
			s.Required = append(s.Required, name)
		}
	}
	return s
}

// Map renders the schema as the JSON-schema object providers expect.
func (s *Schema) Map() map[string]any {
	if s == nil {
		return map[string]any{"type": SchemaTypeObject}
	}
	m := map[string]any{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.Type == SchemaTypeObject && s.Properties != nil {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.Map()
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if s.Items != nil {
		m["items"] = s.Items.Map()
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	return m
}
