package schema

// FieldType constrains the values a node input or output field may carry.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeFile   FieldType = "file"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
	TypeAny    FieldType = "any"
)

// validFieldTypes is the closed set of recognized field types.
var validFieldTypes = map[FieldType]bool{
	TypeString: true,
	TypeInt:    true,
	TypeFloat:  true,
	TypeBool:   true,
	TypeFile:   true,
	TypeList:   true,
	TypeMap:    true,
	TypeAny:    true,
}

// ValidFieldType reports whether t is a recognized field type.
func ValidFieldType(t FieldType) bool {
	return validFieldTypes[t]
}

// Compatible reports whether a value of type src may flow into a field of
// type dst. "any" is compatible in both directions; int widens to float.
func Compatible(src, dst FieldType) bool {
	if src == dst || src == TypeAny || dst == TypeAny {
		return true
	}
	if src == TypeInt && dst == TypeFloat {
		return true
	}
	return false
}

// FieldSpec declares one input or output field of a node.
type FieldSpec struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Mandatory bool      `json:"mandatory,omitempty"`
	Default   any       `json:"default,omitempty"`

	// FanIn marks a destination field that accepts multiple incoming edges,
	// gathered into a list in connection order.
	FanIn bool `json:"fan_in,omitempty"`
}

// ResourceHint declares the scheduling footprint of a node.
type ResourceHint struct {
	Threads  int     `json:"threads"`
	MemoryGB float64 `json:"memory_gb"`
}

// DefaultResourceHint is applied when a node declares no hint.
var DefaultResourceHint = ResourceHint{Threads: 1, MemoryGB: 1}

// FileRef is a filesystem path input. Fingerprinting substitutes the file's
// content hash or (size, mtime) pair per policy; the path itself never enters
// the fingerprint, so result trees can be relocated. The "$file" JSON key makes
// file references recoverable from persisted execution records.
type FileRef struct {
	Path string `json:"$file"`
}
