package record

import (
	"fmt"

	"github.com/valyala/fastjson"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire form: fields encode as {"type": <kind>, "value": <v>, "errors": [...]}
// and records as {"object": {...}, "message": "..."}. Absent fields encode as
// nil.

var (
	_ msgpack.CustomEncoder = Field{}
	_ msgpack.CustomDecoder = (*Field)(nil)
	_ msgpack.CustomEncoder = Record{}
	_ msgpack.CustomDecoder = (*Record)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (f Field) EncodeMsgpack(enc *msgpack.Encoder) error {
	if f.Kind == KindNone {
		return enc.EncodeNil()
	}
	n := 2
	if len(f.Errors) > 0 {
		n = 3
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}
	if err := enc.EncodeString("type"); err != nil {
		return err
	}
	if err := enc.EncodeString(f.Kind.String()); err != nil {
		return err
	}
	if err := enc.EncodeString("value"); err != nil {
		return err
	}
	if err := f.encodeValue(enc); err != nil {
		return err
	}
	if n == 3 {
		if err := enc.EncodeString("errors"); err != nil {
			return err
		}
		return enc.Encode(f.Errors)
	}
	return nil
}

func (f Field) encodeValue(enc *msgpack.Encoder) error {
	switch f.Kind {
	case KindNumber:
		return enc.EncodeFloat64(f.Num)
	case KindDate:
		return enc.EncodeInt(int64(f.Num))
	case KindString:
		return enc.EncodeString(f.Str)
	case KindBoolean:
		return enc.EncodeBool(f.Bool)
	case KindArray:
		if err := enc.EncodeArrayLen(len(f.Arr)); err != nil {
			return err
		}
		for _, item := range f.Arr {
			if err := item.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		return enc.Encode(f.Obj)
	}
	return enc.EncodeNil()
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (f *Field) DecodeMsgpack(dec *msgpack.Decoder) error {
	var wire struct {
		Type   string             `msgpack:"type"`
		Value  msgpack.RawMessage `msgpack:"value"`
		Errors []string           `msgpack:"errors"`
	}
	raw, err := dec.DecodeRaw()
	if err != nil {
		return err
	}
	*f = Field{}
	if len(raw) == 1 && raw[0] == 0xc0 { // msgpack nil
		return nil
	}
	if err := msgpack.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode field: %w", err)
	}
	f.Kind = ParseKind(wire.Type)
	f.Errors = wire.Errors
	switch f.Kind {
	case KindNumber, KindDate:
		return msgpack.Unmarshal(wire.Value, &f.Num)
	case KindString:
		return msgpack.Unmarshal(wire.Value, &f.Str)
	case KindBoolean:
		return msgpack.Unmarshal(wire.Value, &f.Bool)
	case KindArray:
		return msgpack.Unmarshal(wire.Value, &f.Arr)
	case KindObject:
		return msgpack.Unmarshal(wire.Value, &f.Obj)
	}
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (r Record) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString("object"); err != nil {
		return err
	}
	if err := enc.Encode(r.Fields); err != nil {
		return err
	}
	if err := enc.EncodeString("message"); err != nil {
		return err
	}
	return enc.EncodeString(r.Message)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (r *Record) DecodeMsgpack(dec *msgpack.Decoder) error {
	var wire struct {
		Object  map[string]Field `msgpack:"object"`
		Message string           `msgpack:"message"`
	}
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	r.Fields = wire.Object
	r.Message = wire.Message
	return nil
}

var parserPool fastjson.ParserPool

// ParseJSON parses a JSON document into a Field.
func ParseJSON(data []byte) (Field, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)
	v, err := p.ParseBytes(data)
	if err != nil {
		return Field{}, err
	}
	return fromFastJSON(v), nil
}

// ParseJSONObject parses data and returns its members, or false when data is
// not a JSON object.
func ParseJSONObject(data []byte) (map[string]Field, bool) {
	f, err := ParseJSON(data)
	if err != nil || f.Kind != KindObject {
		return nil, false
	}
	return f.Obj, true
}

func fromFastJSON(v *fastjson.Value) Field {
	switch v.Type() {
	case fastjson.TypeNull:
		return None()
	case fastjson.TypeTrue:
		return Bool(true)
	case fastjson.TypeFalse:
		return Bool(false)
	case fastjson.TypeNumber:
		return Number(v.GetFloat64())
	case fastjson.TypeString:
		return String(string(v.GetStringBytes()))
	case fastjson.TypeArray:
		vals := v.GetArray()
		items := make([]Field, len(vals))
		for i, item := range vals {
			items[i] = fromFastJSON(item)
		}
		return Array(items...)
	case fastjson.TypeObject:
		obj := v.GetObject()
		m := make(map[string]Field, obj.Len())
		obj.Visit(func(key []byte, item *fastjson.Value) {
			m[string(key)] = fromFastJSON(item)
		})
		return Object(m)
	}
	return None()
}
