// Package wire 提供模拟网络与存储共用的编码、校验和压缩
package wire

import (
	"bytes"
	"io"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpackHandle 与 raft 社区常用的配置保持一致：RawToString=true, MapType=map[string]interface{}
var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.MapType = reflect.TypeOf(map[string]interface{}{})
	msgpackHandle.RawToString = true
}

// defaultSizeHint 默认的 buffer 容量提示
const defaultSizeHint = 256

// Marshal 使用 msgpack 编码
func Marshal(v interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, defaultSizeHint))
	if err := codec.NewEncoder(buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal 使用 msgpack 解码
func Unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

// NewEncoder 创建流式编码器
func NewEncoder(w io.Writer) *codec.Encoder {
	return codec.NewEncoder(w, msgpackHandle)
}

// NewDecoder 创建流式解码器
func NewDecoder(r io.Reader) *codec.Decoder {
	return codec.NewDecoder(r, msgpackHandle)
}
