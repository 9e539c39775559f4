package playlist

import (
	"strconv"
	"strings"
)

// AttributeBuilder assembles an HLS attribute list (KEY=value,KEY="value").
//
// Keys are upper-cased. Quoted and Enum skip empty values so optional string
// attributes can be passed unconditionally; numeric setters always write.
type AttributeBuilder struct {
	parts []string
}

var quotedReplacer = strings.NewReplacer(`"`, `'`, "\r", "", "\n", "")

// Quoted writes KEY="value". HLS quoted strings cannot contain a double
// quote or a line break, and have no escape syntax, so those are rewritten.
func (b *AttributeBuilder) Quoted(key, value string) *AttributeBuilder {
	if value == "" {
		return b
	}
	return b.add(key, `"`+quotedReplacer.Replace(value)+`"`)
}

// Enum writes an unquoted enumerated string or resolution, e.g. TYPE=AUDIO.
func (b *AttributeBuilder) Enum(key, value string) *AttributeBuilder {
	if value == "" {
		return b
	}
	return b.add(key, value)
}

func (b *AttributeBuilder) Int(key string, v int64) *AttributeBuilder {
	return b.add(key, strconv.FormatInt(v, 10))
}

func (b *AttributeBuilder) Float(key string, v float64) *AttributeBuilder {
	return b.add(key, formatFloat(v))
}

// Bool writes YES or NO.
func (b *AttributeBuilder) Bool(key string, v bool) *AttributeBuilder {
	if v {
		return b.add(key, "YES")
	}
	return b.add(key, "NO")
}

// Flag writes KEY=YES only when v is set.
func (b *AttributeBuilder) Flag(key string, v bool) *AttributeBuilder {
	if !v {
		return b
	}
	return b.add(key, "YES")
}

func (b *AttributeBuilder) Len() int { return len(b.parts) }

func (b *AttributeBuilder) String() string {
	return strings.Join(b.parts, ",")
}

func (b *AttributeBuilder) add(key, value string) *AttributeBuilder {
	b.parts = append(b.parts, strings.ToUpper(key)+"="+value)
	return b
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
