package service

import (
	"errors"
)

// 错误分级：
//   - 创建入参问题（model.ErrValidation）直接拒绝，不重试
//   - 网关临时故障（gateway.ErrUnavailable）由对账引擎带退避重试
//   - 网关明确拒绝 / 签名错误 / 状态不允许，永不重试，立即上报
var (
	ErrSignatureInvalid   = errors.New("通知签名校验失败")
	ErrUnknownTransaction = errors.New("通知中的订单号无法匹配任何事务")
	ErrInvalidState       = errors.New("事务当前状态不允许该操作")
	// ErrStatusUnverified 重试额度用尽仍未联系上网关，事务保持原状态
	ErrStatusUnverified = errors.New("暂时无法核实支付状态，请稍后重试")
)
