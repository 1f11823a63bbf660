package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// 键集分页统一按 (排序字段, id) 降序取页，id 兜底保证同一时间戳下仍是全序。
// 游标编码最后一行的 (排序字段, id)，续读条件为字段严格小于、相等时 id 严格小于。

var ErrInvalidCursor = errors.New("INVALID_CURSOR")

type Cursor struct {
	TS time.Time
	ID uint
}

func Encode(ts time.Time, id uint) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatUint(uint64(id), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, ErrInvalidCursor
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{TS: ts, ID: uint(id)}, nil
}

// Apply 在查询上追加游标续读条件，col 必须是带表前缀或无歧义的列名。
func Apply(q *gorm.DB, col string, c *Cursor) *gorm.DB {
	if c == nil {
		return q
	}
	cond := fmt.Sprintf("%s < ? OR (%s = ? AND %s < ?)", col, col, idCol(col))
	return q.Where(cond, c.TS, c.TS, c.ID)
}

func idCol(col string) string {
	if i := strings.LastIndex(col, "."); i >= 0 {
		return col[:i+1] + "id"
	}
	return "id"
}

// Next 生成下一页游标；页未满 limit 即视为读尽，返回 nil。
// 满页但下一页为空是允许的状态，调用方不得把非 nil 游标当作一定还有数据。
func Next(got, limit int, lastTS time.Time, lastID uint) *string {
	if got < limit {
		return nil
	}
	s := Encode(lastTS, lastID)
	return &s
}

// Clamp 把 limit 收敛到 (0, max]，非法值回落到 def。
func Clamp(limit, def, max int) int {
	if limit <= 0 || limit > max {
		return def
	}
	return limit
}
