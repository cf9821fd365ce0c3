//go:build !nojsonsimd

package stratum

import (
	"reflect"

	"github.com/bytedance/sonic"
)

var wireJSON = sonic.ConfigDefault

func init() {
	// Pretouch the hot wire types so the first notify does not pay for codegen.
	_ = sonic.Pretouch(reflect.TypeOf(Request{}))
	_ = sonic.Pretouch(reflect.TypeOf(envelope{}))
}

func marshalJSON(v any) ([]byte, error) {
	return wireJSON.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return wireJSON.Unmarshal(data, v)
}
