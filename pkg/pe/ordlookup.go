package pe

import (
	"fmt"
	"strings"
)

var ws232OrdNames = map[uint16]string{
	1:   "accept",
	2:   "bind",
	3:   "closesocket",
	4:   "connect",
	5:   "getpeername",
	6:   "getsockname",
	7:   "getsockopt",
	8:   "htonl",
	9:   "htons",
	10:  "ioctlsocket",
	11:  "inet_addr",
	12:  "inet_ntoa",
	13:  "listen",
	14:  "ntohl",
	15:  "ntohs",
	16:  "recv",
	17:  "recvfrom",
	18:  "select",
	19:  "send",
	20:  "sendto",
	21:  "setsockopt",
	22:  "shutdown",
	23:  "socket",
	51:  "gethostbyaddr",
	52:  "gethostbyname",
	53:  "getprotobyname",
	54:  "getprotobynumber",
	55:  "getservbyname",
	56:  "getservbyport",
	57:  "gethostname",
	111: "WSAGetLastError",
	112: "WSASetLastError",
	115: "WSAStartup",
	116: "WSACleanup",
	151: "__WSAFDIsSet",
}

var oleaut32OrdNames = map[uint16]string{
	2:   "SysAllocString",
	4:   "SysAllocStringLen",
	5:   "SysReAllocStringLen",
	6:   "SysFreeString",
	7:   "SysStringLen",
	8:   "VariantInit",
	9:   "VariantClear",
	10:  "VariantCopy",
	12:  "VariantChangeType",
	15:  "SafeArrayCreate",
	16:  "SafeArrayDestroy",
	17:  "SafeArrayGetDim",
	19:  "SafeArrayGetUBound",
	20:  "SafeArrayGetLBound",
	23:  "SafeArrayAccessData",
	24:  "SafeArrayUnaccessData",
	25:  "SafeArrayGetElement",
	26:  "SafeArrayPutElement",
	149: "SysStringByteLen",
	150: "SysAllocStringByteLen",
}

var OrdNames = map[string]map[uint16]string{
	"ws2_32":   ws232OrdNames,
	"wsock32":  ws232OrdNames,
	"oleaut32": oleaut32OrdNames,
}

// OrdLookup returns the well known name of an ordinal import. libname may
// carry an extension and any case.
func OrdLookup(libname string, ord uint16, makeName bool) string {
	lib := strings.ToLower(libname)
	if i := strings.LastIndexByte(lib, '.'); i >= 0 {
		lib = lib[:i]
	}
	if names, ok := OrdNames[lib]; ok {
		if name, ok := names[ord]; ok {
			return name
		}
	}
	if makeName {
		return fmt.Sprintf("ord%d", ord)
	}
	return ""
}
