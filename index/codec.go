package index

import (
	"fmt"
	"reflect"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/node/bindnode"
	"github.com/ipld/go-ipld-prime/schema"
)

// Codec encodes records as dag-cbor using the types declared in an IPLD schema.
//
// Every Go record type is bound to the schema type with the same name once, when the
// codec is created.
type Codec struct {
	types map[reflect.Type]schema.Type
}

// NewCodec returns a codec for the given record pointers described by the schema source.
func NewCodec(source string, records ...any) (*Codec, error) {
	ts, err := ipld.LoadSchemaBytes([]byte(source))
	if err != nil {
		return nil, err
	}
	c := &Codec{types: make(map[reflect.Type]schema.Type, len(records))}
	for _, record := range records {
		rt := reflect.TypeOf(record)
		if rt == nil || rt.Kind() != reflect.Pointer {
			return nil, fmt.Errorf("record %T is not a pointer", record)
		}
		typ := ts.TypeByName(rt.Elem().Name())
		if typ == nil {
			return nil, fmt.Errorf("schema has no type %s", rt.Elem().Name())
		}
		if err := verify(record, typ); err != nil {
			return nil, err
		}
		c.types[rt.Elem()] = typ
	}
	return c, nil
}

// MustCodec is like NewCodec but panics on error.
func MustCodec(source string, records ...any) *Codec {
	c, err := NewCodec(source, records...)
	if err != nil {
		panic(err)
	}
	return c
}

// verify binds a record to its schema type, turning a bindnode panic into an error.
func verify(record any, typ schema.Type) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("record %T does not match schema type %s: %v", record, typ.Name(), r)
		}
	}()
	bindnode.Prototype(record, typ)
	return nil
}

func (c *Codec) typeOf(record any) (schema.Type, error) {
	rt := reflect.TypeOf(record)
	if rt == nil || rt.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("record %T is not a pointer", record)
	}
	typ, ok := c.types[rt.Elem()]
	if !ok {
		return nil, fmt.Errorf("record type %T is not registered", record)
	}
	return typ, nil
}

// Marshal encodes the given record pointer as dag-cbor.
func (c *Codec) Marshal(record any) ([]byte, error) {
	typ, err := c.typeOf(record)
	if err != nil {
		return nil, err
	}
	return ipld.Marshal(dagcbor.Encode, record, typ)
}

// Unmarshal decodes dag-cbor data into the given record pointer.
func (c *Codec) Unmarshal(data []byte, record any) error {
	typ, err := c.typeOf(record)
	if err != nil {
		return err
	}
	_, err = ipld.Unmarshal(data, dagcbor.Decode, record, typ)
	return err
}
