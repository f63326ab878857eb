package rpc

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/hashicorp/consul-net-rpc/go-msgpack/codec"
)

// Codec turns envelopes into frame payloads and back. One envelope maps to
// exactly one frame.
type Codec interface {
	Name() string
	Marshal(*Envelope) ([]byte, error)
	Unmarshal([]byte) (*Envelope, error)
}

type wireEnvelope struct {
	ID     string                 `codec:"id" json:"id"`
	Route  string                 `codec:"route" json:"route"`
	Kind   Kind                   `codec:"kind" json:"kind"`
	Params map[string]interface{} `codec:"params" json:"params,omitempty"`
	Return interface{}            `codec:"return" json:"return"`
	Error  string                 `codec:"error" json:"error,omitempty"`
}

func toWire(e *Envelope) *wireEnvelope {
	return &wireEnvelope{
		ID:     e.id,
		Route:  e.route,
		Kind:   e.kind,
		Params: e.params,
		Return: e.returnValue,
		Error:  e.errMsg,
	}
}

func fromWire(w *wireEnvelope) (*Envelope, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("envelope without correlation id")
	}
	if w.Kind < KindRequest || w.Kind > KindTerminate {
		return nil, fmt.Errorf("envelope %s has unknown kind %d", w.ID, w.Kind)
	}
	e := &Envelope{
		id:    w.ID,
		route: w.Route,
		kind:  w.Kind,
	}
	switch w.Kind {
	case KindRequest:
		e.params = w.Params
		if e.params == nil {
			e.params = make(map[string]interface{})
		}
	case KindReturn:
		e.returnValue = w.Return
	case KindException:
		e.errMsg = w.Error
	}
	return e, nil
}

var msgpackHandle = &codec.MsgpackHandle{
	RawToString: true,
	BasicHandle: codec.BasicHandle{
		DecodeOptions: codec.DecodeOptions{
			MapType: reflect.TypeOf(map[string]interface{}{}),
		},
	},
}

// MsgpackCodec is the default codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string {
	return "msgpack"
}

func (MsgpackCodec) Marshal(e *Envelope) ([]byte, error) {
	var bs []byte
	if err := codec.NewEncoderBytes(&bs, msgpackHandle).Encode(toWire(e)); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return bs, nil
}

func (MsgpackCodec) Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&w); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return fromWire(&w)
}

// JSONCodec encodes envelopes as JSON. Numbers decode as float64.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(toWire(e))
}

func (JSONCodec) Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return fromWire(&w)
}

// CodecByName resolves "msgpack" or "json".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
