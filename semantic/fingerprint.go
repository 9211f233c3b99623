package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BaSui01/optiflow/types"
)

// Fingerprint 计算请求文档的稳定指纹。
// 优先对抽取出的文本段做哈希；文档不含文本时回退到
// 结构排序后的整文档哈希，保证任意文档都有确定指纹。
func Fingerprint(doc types.Document) string {
	segs := doc.TextSegments()
	if len(segs) > 0 {
		var b strings.Builder
		for _, seg := range segs {
			b.WriteString(seg.Source)
			b.WriteByte(':')
			b.WriteString(seg.Role)
			b.WriteByte(':')
			b.WriteString(seg.Content)
			b.WriteByte('\n')
		}
		return hashString(b.String())
	}

	data := doc.CanonicalJSON()
	if data == nil {
		// json.Marshal 失败的兜底：使用 fmt 生成确定性字符串避免 key 碰撞
		data = []byte(fmt.Sprintf("%v", map[string]any(doc)))
	}
	return hashBytes(data)
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16]) // 使用前 16 字节
}
