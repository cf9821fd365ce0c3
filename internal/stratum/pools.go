package stratum

import (
	"strings"
	"sync"
)

// stringBuilderPool reuses builders for outgoing request lines
var stringBuilderPool = sync.Pool{
	New: func() any {
		return &strings.Builder{}
	},
}

// GetStringBuilder gets a string builder from the pool
func GetStringBuilder() *strings.Builder {
	sb := stringBuilderPool.Get().(*strings.Builder)
	sb.Reset()
	return sb
}

// PutStringBuilder returns a string builder to the pool
func PutStringBuilder(sb *strings.Builder) {
	if sb != nil && sb.Cap() <= 64*1024 {
		stringBuilderPool.Put(sb)
	}
}
