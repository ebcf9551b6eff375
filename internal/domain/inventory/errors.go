package inventory

import "errors"

// 领域错误定义
//
// 教学要点：
// 1. 错误分为四类，调用方据此决定重试策略
//    - 参数错误：请求本身不合法，不可重试
//    - 冲突错误：锁被占用，可退避重试
//    - 业务错误：违反领域规则，换一个请求才可能成功
//    - 系统错误：基础设施故障，由pkg/errors包装
// 2. 使用sentinel error + errors.Is判断，需要携带数量细节时用
//    fmt.Errorf("%w: ...")包装，保证errors.Is仍然命中

var (
	// 参数错误
	ErrInvalidInventoryKey = errors.New("无效的库存标识(variant/seller)")
	ErrInvalidQuantity     = errors.New("无效的数量")
	ErrInvalidReservation  = errors.New("无效的预留请求")
	ErrInvalidLedgerEntry  = errors.New("无效的台账记录")

	// 冲突错误（可重试）
	ErrConcurrentModification = errors.New("并发修改冲突,请稍后重试")

	// 业务错误
	ErrInsufficientStock     = errors.New("库存不足")
	ErrBelowReservedQuantity = errors.New("调整后总量低于预留数量")
	ErrInventoryNotFound     = errors.New("库存记录不存在")
	ErrInconsistentInventory = errors.New("库存数量不一致")

	// 预留状态机错误
	ErrReservationNotFound          = errors.New("预留记录不存在")
	ErrReservationNotActive         = errors.New("预留不处于可释放状态")
	ErrCannotCommitExpired          = errors.New("预留已过期,不能提交")
	ErrAlreadyCommitted             = errors.New("预留已提交,不能重复提交")
	ErrAlreadyReleased              = errors.New("预留已释放")
	ErrInvalidReservationTransition = errors.New("非法的预留状态流转")
)
