package board

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/brunoga/deep"
)

type PatchOp string

const (
	PatchOpAdd     PatchOp = "add"
	PatchOpRemove  PatchOp = "remove"
	PatchOpReplace PatchOp = "replace"
)

// one change to the state tree.
// this is the persisted and transmitted shape. it must remain stable
// across client versions sharing a document.
type Patch struct {
	Op    PatchOp  `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

func (self *Patch) String() string {
	return fmt.Sprintf("%s /%s", self.Op, strings.Join(self.Path, "/"))
}

// whether `prefix` is the same path as `path` or a containing path
func pathContains(prefix []string, path []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

// diffValues walks two values of the same type and emits paired
// forward and inverse patch batches. applying `forward` to a tree equal
// to `prev` yields `next`. applying `inverse` afterward restores `prev`.
//
// fields and map entries are addressed by json name. slice indices are
// decimal segments. patch values are detached deep copies.
func diffValues(prev any, next any) (forward []Patch, inverse []Patch) {
	forward = []Patch{}
	inverse = []Patch{}
	diffValue(reflect.ValueOf(prev), reflect.ValueOf(next), []string{}, &forward, &inverse)
	return forward, inverse
}

var textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

func diffValue(prev reflect.Value, next reflect.Value, path []string, forward *[]Patch, inverse *[]Patch) {
	prevOk := prev.IsValid() && !isNilValue(prev)
	nextOk := next.IsValid() && !isNilValue(next)

	if !prevOk && !nextOk {
		return
	}
	if !prevOk {
		*forward = append(*forward, Patch{
			Op:    PatchOpAdd,
			Path:  copyPath(path),
			Value: detach(next),
		})
		*inverse = append(*inverse, Patch{
			Op:   PatchOpRemove,
			Path: copyPath(path),
		})
		return
	}
	if !nextOk {
		*forward = append(*forward, Patch{
			Op:   PatchOpRemove,
			Path: copyPath(path),
		})
		*inverse = append(*inverse, Patch{
			Op:    PatchOpAdd,
			Path:  copyPath(path),
			Value: detach(prev),
		})
		return
	}

	for prev.Kind() == reflect.Pointer || prev.Kind() == reflect.Interface {
		prev = prev.Elem()
		next = next.Elem()
	}

	if prev.Type() != next.Type() {
		replace(prev, next, path, forward, inverse)
		return
	}

	// types that marshal as scalars (Id and friends) are leaves
	if prev.Type().Implements(textMarshalerType) || reflect.PointerTo(prev.Type()).Implements(textMarshalerType) {
		if !reflect.DeepEqual(prev.Interface(), next.Interface()) {
			replace(prev, next, path, forward, inverse)
		}
		return
	}

	switch prev.Kind() {
	case reflect.Struct:
		t := prev.Type()
		for i := 0; i < t.NumField(); i += 1 {
			field := t.Field(i)
			name, ok := jsonFieldName(field)
			if !ok {
				continue
			}
			diffValue(prev.Field(i), next.Field(i), append(path, name), forward, inverse)
		}
	case reflect.Map:
		keys := map[string]reflect.Value{}
		for _, key := range prev.MapKeys() {
			keys[keyString(key)] = key
		}
		for _, key := range next.MapKeys() {
			keys[keyString(key)] = key
		}
		orderedKeys := make([]string, 0, len(keys))
		for keyStr := range keys {
			orderedKeys = append(orderedKeys, keyStr)
		}
		sort.Strings(orderedKeys)
		for _, keyStr := range orderedKeys {
			key := keys[keyStr]
			diffValue(prev.MapIndex(key), next.MapIndex(key), append(path, keyStr), forward, inverse)
		}
	case reflect.Slice:
		if prev.Len() == next.Len() {
			for i := 0; i < prev.Len(); i += 1 {
				diffValue(prev.Index(i), next.Index(i), append(path, strconv.Itoa(i)), forward, inverse)
			}
		} else if !reflect.DeepEqual(prev.Interface(), next.Interface()) {
			replace(prev, next, path, forward, inverse)
		}
	default:
		if !reflect.DeepEqual(prev.Interface(), next.Interface()) {
			replace(prev, next, path, forward, inverse)
		}
	}
}

func replace(prev reflect.Value, next reflect.Value, path []string, forward *[]Patch, inverse *[]Patch) {
	*forward = append(*forward, Patch{
		Op:    PatchOpReplace,
		Path:  copyPath(path),
		Value: detach(next),
	})
	*inverse = append(*inverse, Patch{
		Op:    PatchOpReplace,
		Path:  copyPath(path),
		Value: detach(prev),
	})
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

func copyPath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}

func detach(v reflect.Value) any {
	for v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}
	return deep.MustCopy(v.Interface())
}

func keyString(key reflect.Value) string {
	if m, ok := key.Interface().(encoding.TextMarshaler); ok {
		b, err := m.MarshalText()
		if err == nil {
			return string(b)
		}
	}
	if key.Kind() == reflect.String {
		return key.String()
	}
	return fmt.Sprintf("%v", key.Interface())
}

func jsonFieldName(field reflect.StructField) (string, bool) {
	if !field.IsExported() {
		return "", false
	}
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, true
}

// applyPatches applies a batch in array order to the tree rooted at
// `root` (a pointer). patch values produced by a remote peer arrive as
// generic json values and are coerced into the target type.
func applyPatches(root any, patches []Patch) error {
	for i := range patches {
		if err := applyPatch(root, &patches[i]); err != nil {
			return fmt.Errorf("patch %d (%s): %w", i, patches[i].String(), err)
		}
	}
	return nil
}

func applyPatch(root any, patch *Patch) error {
	rootValue := reflect.ValueOf(root)
	if rootValue.Kind() != reflect.Pointer || rootValue.IsNil() {
		return fmt.Errorf("root must be a non-nil pointer")
	}

	if len(patch.Path) == 0 {
		// full tree swap
		if patch.Op != PatchOpReplace {
			return fmt.Errorf("op %s not valid at the root", patch.Op)
		}
		value, err := coerceValue(patch.Value, rootValue.Type().Elem())
		if err != nil {
			return err
		}
		rootValue.Elem().Set(value)
		return nil
	}

	parent, err := navigate(rootValue, patch.Path[:len(patch.Path)-1])
	if err != nil {
		return err
	}
	return applyAt(parent, patch.Path[len(patch.Path)-1], patch.Op, patch.Value)
}

func navigate(v reflect.Value, path []string) (reflect.Value, error) {
	for _, segment := range path {
		next, err := child(v, segment)
		if err != nil {
			return reflect.Value{}, err
		}
		v = next
	}
	return v, nil
}

func child(v reflect.Value, segment string) (reflect.Value, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil at %q", segment)
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		field, ok := structFieldByName(v, segment)
		if !ok {
			return reflect.Value{}, fmt.Errorf("no field %q", segment)
		}
		return field, nil
	case reflect.Map:
		key, err := mapKey(v.Type().Key(), segment)
		if err != nil {
			return reflect.Value{}, err
		}
		entry := v.MapIndex(key)
		if !entry.IsValid() {
			return reflect.Value{}, fmt.Errorf("no entry %q", segment)
		}
		return entry, nil
	case reflect.Slice:
		i, err := strconv.Atoi(segment)
		if err != nil || i < 0 || v.Len() <= i {
			return reflect.Value{}, fmt.Errorf("bad index %q", segment)
		}
		return v.Index(i), nil
	default:
		return reflect.Value{}, fmt.Errorf("cannot descend into %s at %q", v.Kind(), segment)
	}
}

func applyAt(parent reflect.Value, segment string, op PatchOp, raw any) error {
	for parent.Kind() == reflect.Pointer || parent.Kind() == reflect.Interface {
		if parent.IsNil() {
			return fmt.Errorf("nil parent at %q", segment)
		}
		parent = parent.Elem()
	}
	switch parent.Kind() {
	case reflect.Struct:
		field, ok := structFieldByName(parent, segment)
		if !ok {
			return fmt.Errorf("no field %q", segment)
		}
		if !field.CanSet() {
			return fmt.Errorf("field %q not settable", segment)
		}
		switch op {
		case PatchOpAdd, PatchOpReplace:
			value, err := coerceValue(raw, field.Type())
			if err != nil {
				return err
			}
			field.Set(value)
		case PatchOpRemove:
			field.Set(reflect.Zero(field.Type()))
		default:
			return fmt.Errorf("unknown op %q", op)
		}
		return nil
	case reflect.Map:
		key, err := mapKey(parent.Type().Key(), segment)
		if err != nil {
			return err
		}
		switch op {
		case PatchOpAdd, PatchOpReplace:
			value, err := coerceValue(raw, parent.Type().Elem())
			if err != nil {
				return err
			}
			parent.SetMapIndex(key, value)
		case PatchOpRemove:
			parent.SetMapIndex(key, reflect.Value{})
		default:
			return fmt.Errorf("unknown op %q", op)
		}
		return nil
	case reflect.Slice:
		if !parent.CanSet() {
			return fmt.Errorf("slice at %q not settable", segment)
		}
		i, err := strconv.Atoi(segment)
		if err != nil || i < 0 {
			return fmt.Errorf("bad index %q", segment)
		}
		switch op {
		case PatchOpReplace:
			if parent.Len() <= i {
				return fmt.Errorf("index %d out of range", i)
			}
			value, err := coerceValue(raw, parent.Type().Elem())
			if err != nil {
				return err
			}
			parent.Index(i).Set(value)
		case PatchOpAdd:
			if parent.Len() < i {
				return fmt.Errorf("index %d out of range", i)
			}
			value, err := coerceValue(raw, parent.Type().Elem())
			if err != nil {
				return err
			}
			grown := reflect.Append(parent, reflect.Zero(parent.Type().Elem()))
			reflect.Copy(grown.Slice(i+1, grown.Len()), parent.Slice(i, parent.Len()))
			grown.Index(i).Set(value)
			parent.Set(grown)
		case PatchOpRemove:
			if parent.Len() <= i {
				return fmt.Errorf("index %d out of range", i)
			}
			shrunk := reflect.AppendSlice(
				parent.Slice(0, i),
				parent.Slice(i+1, parent.Len()),
			)
			parent.Set(shrunk)
		default:
			return fmt.Errorf("unknown op %q", op)
		}
		return nil
	default:
		return fmt.Errorf("cannot apply %s into %s at %q", op, parent.Kind(), segment)
	}
}

func structFieldByName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i += 1 {
		fieldName, ok := jsonFieldName(t.Field(i))
		if ok && fieldName == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func mapKey(keyType reflect.Type, segment string) (reflect.Value, error) {
	if keyType.Kind() == reflect.String {
		return reflect.ValueOf(segment).Convert(keyType), nil
	}
	key := reflect.New(keyType)
	if u, ok := key.Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(segment)); err != nil {
			return reflect.Value{}, err
		}
		return key.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported map key type %s", keyType)
}

func valueType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// coerceValue turns a patch value into `t`. locally produced patches
// carry the concrete type already. patches that crossed the wire carry
// generic json values and take the marshal round trip.
func coerceValue(raw any, t reflect.Type) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Type() == t {
		return reflect.ValueOf(deep.MustCopy(raw)), nil
	}
	if rv.Type().AssignableTo(t) {
		copied := reflect.ValueOf(deep.MustCopy(raw))
		if copied.Type().AssignableTo(t) {
			return copied, nil
		}
	}
	if t.Kind() == reflect.Pointer && rv.Type().AssignableTo(t.Elem()) {
		out := reflect.New(t.Elem())
		out.Elem().Set(reflect.ValueOf(deep.MustCopy(raw)))
		return out, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t)
	if err := json.Unmarshal(b, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot coerce value into %s: %w", t, err)
	}
	return out.Elem(), nil
}
