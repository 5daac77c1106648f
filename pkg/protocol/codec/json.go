package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns the JSON codec; mainly useful for debugging and interop.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string             { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }
