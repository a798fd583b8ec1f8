package device

import (
	"fmt"
	"strings"
)

// Category is the closed set of device kinds the client distinguishes.
type Category int

const (
	CategoryGeneric Category = iota
	CategoryPlug
	CategoryBulb
)

// Categories lists every category, in declaration order.
var Categories = []Category{CategoryGeneric, CategoryPlug, CategoryBulb}

// String returns the lowercase category name used in event names and config.
func (c Category) String() string {
	switch c {
	case CategoryGeneric:
		return "device"
	case CategoryPlug:
		return "plug"
	case CategoryBulb:
		return "bulb"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using CategoryFromName.
func (c *Category) UnmarshalText(text []byte) error {
	*c = CategoryFromName(string(text))
	return nil
}

// CategoryOf resolves the category of a device from its descriptor.
func CategoryOf(info Sysinfo) Category {
	return categoryFromType(info.Type(), CategoryGeneric)
}

// CategoryFromName resolves a bare category token such as "plug", "Bulb",
// "IOT.SMARTBULB" or "device". Empty and unrecognised tokens resolve to
// CategoryPlug.
func CategoryFromName(name string) Category {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch lower {
	case "device", "generic":
		return CategoryGeneric
	}
	return categoryFromType(lower, CategoryPlug)
}

func categoryFromType(declared string, fallback Category) Category {
	lower := strings.ToLower(declared)
	switch {
	case strings.Contains(lower, "plug"):
		return CategoryPlug
	case strings.Contains(lower, "bulb"):
		return CategoryBulb
	default:
		return fallback
	}
}
