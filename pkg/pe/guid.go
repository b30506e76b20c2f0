package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GUID represents a GUID/UUID in the layout used by native Windows code.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func fromArray(b [16]byte, order binary.ByteOrder) GUID {
	var g GUID
	g.Data1 = order.Uint32(b[0:4])
	g.Data2 = order.Uint16(b[4:6])
	g.Data3 = order.Uint16(b[6:8])
	copy(g.Data4[:], b[8:16])
	return g
}

// GuidFromWindowsArray constructs a GUID from a Windows encoding array of bytes.
func GuidFromWindowsArray(b [16]byte) GUID {
	return fromArray(b, binary.LittleEndian)
}

// ToString formats the GUID. The format parameter can be "N", "D", "B" or
// "P". If format is an empty string (""), "D" is used.
func (g GUID) ToString(format string) (string, error) {
	body := fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:])
	switch format {
	case "", "D":
		return body, nil
	case "N":
		return fmt.Sprintf("%08x%04x%04x%04x%012x", g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:]), nil
	case "B":
		return "{" + body + "}", nil
	case "P":
		return "(" + body + ")", nil
	}
	return "", errors.New("invalid format specified")
}

func (g GUID) String() string {
	guidStr, _ := g.ToString("")
	return guidStr
}
