package mysql

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// isDuplicateError 判断是否为MySQL唯一索引冲突(错误码1062)
// 两处调用方依赖该判断:
// - 库存记录懒创建时的并发首次触达竞争(idx_variant_seller唯一索引)
// - 预留创建时的UUID主键重复(正常情况不应出现,命中即拒绝请求)
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	// 开启TranslateError后GORM返回哨兵错误
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// 未翻译的驱动原始错误按消息内容兜底
	return strings.Contains(err.Error(), "Duplicate entry")
}
