package codec

import json "github.com/goccy/go-json"

type jsonCodec struct{}

// JSON returns the default codec. Byte slices travel as base64 strings.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                      { return NameJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
