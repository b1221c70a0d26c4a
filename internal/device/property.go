package device

import "strings"

// Property is the characteristic property bitmask as reported by the peripheral.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
	PropSignedWrite          Property = 0x40
	PropExtended             Property = 0x80
)

var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether every bit of other is set
func (p Property) Has(other Property) bool {
	return p&other == other
}

func (p Property) CanRead() bool {
	return p&PropRead != 0
}

// CanWrite reports support for either write flavour.
func (p Property) CanWrite() bool {
	return p&(PropWrite|PropWriteWithoutResponse) != 0
}

// CanNotify reports support for notifications or indications.
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// String renders the set bits as "read|notify".
func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseProperties parses a comma or pipe separated list such as "read,notify".
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		name := strings.ToLower(strings.TrimSpace(field))
		found := false
		for _, pn := range propertyNames {
			if pn.name == name {
				p |= pn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, NewError(KindInvalidArguments, "unknown characteristic property %q", field)
		}
	}
	return p, nil
}
