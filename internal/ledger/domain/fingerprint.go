package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wyfcoding/ledgerr/pkg/idgen"
)

// Fingerprint 计算过账请求的确定性指纹（SHA-256）。
// 同一语义内容在任何一次重试中必须得到相同指纹，因此采用
// 稳定的手工编码而非 map 序列化：分录先按内容排序再拼接。
func Fingerprint(status TransactionStatus, description string, entries []EntryInput, metadata map[string]string) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s|%d|%s|%s", e.AccountID, e.Amount, e.Direction, e.Currency))
	}
	sort.Strings(parts)

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta := make([]string, 0, len(keys))
	for _, k := range keys {
		meta = append(meta, k+"="+metadata[k])
	}

	var b strings.Builder
	b.WriteString(string(status))
	b.WriteString("\n")
	b.WriteString(description)
	b.WriteString("\n")
	b.WriteString(strings.Join(parts, ";"))
	b.WriteString("\n")
	b.WriteString(strings.Join(meta, ";"))

	return idgen.SHA256Hash([]byte(b.String()))
}
