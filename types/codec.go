package types

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed encoding")

// Encoder 按字段号顺序追加 protobuf wire 格式，字段顺序固定因此编码唯一
type Encoder struct {
	buf []byte
}

func (e *Encoder) Uint(num protowire.Number, v uint64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

func (e *Encoder) Bytes(num protowire.Number, v []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

func (e *Encoder) String(num protowire.Number, v string) *Encoder {
	return e.Bytes(num, []byte(v))
}

func (e *Encoder) Finish() []byte { return e.buf }

// Field 解码出的单个字段
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// DecodeFields 拆出所有字段；只接受 varint 与 bytes 两种类型
func DecodeFields(b []byte) ([]Field, error) {
	var out []Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Uint = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Bytes = append([]byte(nil), v...)
			b = b[m:]
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d", ErrMalformed, typ)
		}
		out = append(out, f)
	}
	return out, nil
}
