package pdb

import (
	"strconv"
	"strings"
)

// DemangleResult contains the separated parts of a demangled name.
type DemangleResult struct {
	Name      string // Qualified name (e.g., "MyClass::MyMethod")
	Prototype string // Function prototype (e.g., "public: int __thiscall(int)")
}

// DemangleFull undecorates an MSVC public symbol name and returns the name
// and prototype separately. Names it cannot decode come back unchanged.
func DemangleFull(name string) DemangleResult {
	switch {
	case name == "":
		return DemangleResult{}
	case strings.HasPrefix(name, "__imp_"):
		inner := DemangleFull(name[len("__imp_"):])
		inner.Name += " [import]"
		return inner
	case strings.HasPrefix(name, "?"):
		d := &msvcDemangler{input: name, pos: 1}
		if r, ok := d.demangle(); ok {
			return r
		}
		return DemangleResult{Name: name}
	case strings.HasPrefix(name, "_"), strings.HasPrefix(name, "@"):
		return DemangleResult{Name: demangleCDecl(name)}
	}
	return DemangleResult{Name: name}
}

// Demangle returns the undecorated name, or name itself when it is not
// decorated.
func Demangle(name string) string {
	if r := DemangleFull(name); r.Name != "" {
		return r.Name
	}
	return name
}

// demangleCDecl strips C decorations: the leading underscore of __cdecl and
// __stdcall names, the leading @ of __fastcall names, and the @<bytes>
// argument size suffix.
func demangleCDecl(name string) string {
	result := name[1:]
	if at := strings.LastIndexByte(result, '@'); at > 0 {
		if _, err := strconv.ParseUint(result[at+1:], 10, 32); err == nil {
			result = result[:at]
		}
	}
	return result
}

// Special names introduced by "?<code>".
var specialNames = map[byte]string{
	'2': "operator new", '3': "operator delete", '4': "operator=",
	'5': "operator>>", '6': "operator<<", '7': "operator!",
	'8': "operator==", '9': "operator!=", 'A': "operator[]",
	'B': "operator cast", 'C': "operator->", 'D': "operator*",
	'E': "operator++", 'F': "operator--", 'G': "operator-",
	'H': "operator+", 'I': "operator&", 'J': "operator->*",
	'K': "operator/", 'L': "operator%", 'M': "operator<",
	'N': "operator<=", 'O': "operator>", 'P': "operator>=",
	'Q': "operator,", 'R': "operator()", 'S': "operator~",
	'T': "operator^", 'U': "operator|", 'V': "operator&&",
	'W': "operator||", 'X': "operator*=", 'Y': "operator+=",
	'Z': "operator-=",
}

// Special names introduced by "?_<code>".
var specialNames2 = map[byte]string{
	'0': "operator/=", '1': "operator%=", '2': "operator>>=",
	'3': "operator<<=", '4': "operator&=", '5': "operator|=",
	'6': "operator^=", '7': "`vftable'", '8': "`vbtable'",
	'E': "`dynamic initializer'", 'F': "`dynamic atexit destructor'",
	'U': "operator new[]", 'V': "operator delete[]",
}

var primitiveTypes = map[byte]string{
	'C': "signed char", 'D': "char", 'E': "unsigned char",
	'F': "short", 'G': "unsigned short", 'H': "int",
	'I': "unsigned int", 'J': "long", 'K': "unsigned long",
	'M': "float", 'N': "double", 'O': "long double",
	'X': "void", 'Z': "...",
}

// Extended primitive types introduced by '_'.
var extendedTypes = map[byte]string{
	'D': "__int8", 'E': "unsigned __int8", 'F': "__int16",
	'G': "unsigned __int16", 'H': "__int32", 'I': "unsigned __int32",
	'J': "__int64", 'K': "unsigned __int64", 'N': "bool",
	'Q': "char8_t", 'S': "char16_t", 'U': "char32_t", 'W': "wchar_t",
}

var callingConventions = map[byte]string{
	'A': "__cdecl", 'B': "__cdecl", 'C': "__pascal", 'D': "__pascal",
	'E': "__thiscall", 'F': "__thiscall", 'G': "__stdcall", 'H': "__stdcall",
	'I': "__fastcall", 'J': "__fastcall", 'M': "__clrcall", 'Q': "__vectorcall",
}

// memberAccess describes the function class codes of member functions.
type memberAccess struct {
	access string
	static bool
}

var memberFunctions = map[byte]memberAccess{
	'A': {"private:", false}, 'B': {"private:", false},
	'C': {"private: static", true}, 'D': {"private: static", true},
	'E': {"private: virtual", false}, 'F': {"private: virtual", false},
	'I': {"protected:", false}, 'J': {"protected:", false},
	'K': {"protected: static", true}, 'L': {"protected: static", true},
	'M': {"protected: virtual", false}, 'N': {"protected: virtual", false},
	'Q': {"public:", false}, 'R': {"public:", false},
	'S': {"public: static", true}, 'T': {"public: static", true},
	'U': {"public: virtual", false}, 'V': {"public: virtual", false},
}

// ctorMarker and dtorMarker stand in for the class name until the
// enclosing scope is known.
const (
	ctorMarker = "\x00ctor"
	dtorMarker = "\x00dtor"
)

type msvcDemangler struct {
	input string
	pos   int
	names []string // name fragment back-references 0-9
	types []string // argument type back-references 0-9
}

func (d *msvcDemangler) peek() byte {
	if d.pos >= len(d.input) {
		return 0
	}
	return d.input[d.pos]
}

func (d *msvcDemangler) next() byte {
	c := d.peek()
	if c != 0 {
		d.pos++
	}
	return c
}

func (d *msvcDemangler) demangle() (DemangleResult, bool) {
	name, ok := d.qualifiedName(true)
	if !ok {
		return DemangleResult{}, false
	}
	return DemangleResult{Name: name, Prototype: d.encoding()}, true
}

// qualifiedName reads name fragments up to the terminating '@' and joins
// them outermost first. The first fragment of a symbol may be a special
// name.
func (d *msvcDemangler) qualifiedName(symbol bool) (string, bool) {
	var parts []string
	for first := true; ; first = false {
		c := d.peek()
		switch {
		case c == 0:
			return "", false
		case c == '@':
			d.pos++
			return joinScopes(parts), len(parts) > 0
		case c >= '0' && c <= '9':
			d.pos++
			idx := int(c - '0')
			if idx >= len(d.names) {
				return "", false
			}
			parts = append(parts, d.names[idx])
		case c == '?' && symbol && first:
			d.pos++
			special, ok := d.specialName()
			if !ok {
				return "", false
			}
			parts = append(parts, special)
		default:
			end := strings.IndexByte(d.input[d.pos:], '@')
			if end <= 0 {
				return "", false
			}
			frag := d.input[d.pos : d.pos+end]
			d.pos += end + 1
			if len(d.names) < 10 {
				d.names = append(d.names, frag)
			}
			parts = append(parts, frag)
		}
	}
}

func (d *msvcDemangler) specialName() (string, bool) {
	c := d.next()
	switch c {
	case '0':
		return ctorMarker, true
	case '1':
		return dtorMarker, true
	case '_':
		name, ok := specialNames2[d.next()]
		return name, ok
	}
	name, ok := specialNames[c]
	return name, ok
}

// joinScopes reverses the innermost-first fragments and resolves
// constructor and destructor names from their class.
func joinScopes(parts []string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = p
	}
	last := len(out) - 1
	if last > 0 {
		switch out[last] {
		case ctorMarker:
			out[last] = out[last-1]
		case dtorMarker:
			out[last] = "~" + out[last-1]
		}
	}
	return strings.Join(out, "::")
}

// encoding decodes what follows the qualified name. Data symbols have no
// prototype.
func (d *msvcDemangler) encoding() string {
	c := d.next()
	if c == 'Y' || c == 'Z' {
		return d.function("", false)
	}
	m, ok := memberFunctions[c]
	if !ok {
		return ""
	}
	return d.function(m.access, !m.static)
}

func (d *msvcDemangler) function(access string, hasThis bool) string {
	var thisQual string
	if hasThis {
		if d.peek() == 'E' { // __ptr64
			d.pos++
		}
		switch d.next() {
		case 'B':
			thisQual = " const"
		case 'C':
			thisQual = " volatile"
		case 'D':
			thisQual = " const volatile"
		}
	}

	conv := callingConventions[d.next()]
	var ret string
	if d.peek() == '@' { // constructors and destructors
		d.pos++
	} else {
		ret = d.returnType()
	}
	args := d.arguments()

	var b strings.Builder
	for _, s := range []string{access, ret, conv} {
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	b.WriteString("(" + args + ")")
	b.WriteString(thisQual)
	return b.String()
}

func (d *msvcDemangler) returnType() string {
	if d.peek() == '?' { // storage class of a returned class
		d.pos += 2
	}
	return d.typ()
}

func (d *msvcDemangler) arguments() string {
	if d.peek() == 'X' {
		d.pos++
		return "void"
	}
	var args []string
	for {
		c := d.peek()
		if c == 0 || c == '@' || c == 'Z' {
			d.pos++
			break
		}
		if c >= '0' && c <= '9' {
			d.pos++
			if idx := int(c - '0'); idx < len(d.types) {
				args = append(args, d.types[idx])
				continue
			}
			break
		}
		start := d.pos
		t := d.typ()
		if t == "" {
			break
		}
		if d.pos-start > 1 && len(d.types) < 10 {
			d.types = append(d.types, t)
		}
		args = append(args, t)
	}
	return strings.Join(args, ", ")
}

func (d *msvcDemangler) typ() string {
	c := d.next()
	if t, ok := primitiveTypes[c]; ok {
		return t
	}
	switch c {
	case '_':
		return extendedTypes[d.next()]
	case 'P', 'Q', 'R', 'S':
		return d.indirect("*")
	case 'A':
		return d.indirect("&")
	case 'T', 'U', 'V':
		name, _ := d.qualifiedName(false)
		return name
	case 'W': // enum, followed by its underlying type code
		d.pos++
		name, _ := d.qualifiedName(false)
		return name
	}
	return ""
}

// indirect decodes a pointer or reference: an optional __ptr64 marker, the
// pointee's cv qualifier, then the pointee type.
func (d *msvcDemangler) indirect(suffix string) string {
	if d.peek() == 'E' {
		d.pos++
	}
	var cv string
	switch d.next() {
	case 'B':
		cv = "const "
	case 'C':
		cv = "volatile "
	case 'D':
		cv = "const volatile "
	}
	inner := d.typ()
	if inner == "" {
		return ""
	}
	return cv + inner + suffix
}
