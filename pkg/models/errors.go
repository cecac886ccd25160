package models

import (
	"errors"
	"fmt"
)

// Kind 对协议错误分类
type Kind int

const (
	// KindFraming 长度前缀损坏或流失步，连接致命
	KindFraming Kind = iota + 1
	// KindProtocolVersion 协议版本不一致，对加入者致命
	KindProtocolVersion
	// KindIntegrity 内容哈希或线路名称不一致，对加入者致命
	KindIntegrity
	// KindIdentityConflict 用户名重复
	KindIdentityConflict
	// KindMissingEntity 消息引用了未知的列车或车辆，可恢复
	KindMissingEntity
	// KindTransport 底层流出错，视为隐式退出
	KindTransport
	// KindMalformedBody 字段解析失败，丢弃消息后继续
	KindMalformedBody
	// KindBreakerTripped 同一连接短时间内产生过多畸形消息
	KindBreakerTripped
)

func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindProtocolVersion:
		return "protocol-version"
	case KindIntegrity:
		return "integrity"
	case KindIdentityConflict:
		return "identity-conflict"
	case KindMissingEntity:
		return "missing-entity"
	case KindTransport:
		return "transport"
	case KindMalformedBody:
		return "malformed-body"
	case KindBreakerTripped:
		return "breaker-tripped"
	default:
		return "unknown"
	}
}

// Error 是带分类的协议错误
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal 报告该错误是否需要关闭产生它的连接
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindMissingEntity, KindMalformedBody:
		return false
	default:
		return true
	}
}

// Errorf 构造一个分类错误
func Errorf(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// Wrap 用分类包装底层错误
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf 提取错误分类，非分类错误返回 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal 判断错误是否对连接致命；未分类的错误按致命处理
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return true
}
