// Package message 定义会话协议的全部消息及其文本编码。
//
// 负载格式为 `<TAG> <body>`。每种消息是一个具体的结构体类型，
// 通过 Decode 从负载还原，通过 Encode 序列化；消息的处理逻辑在 session 包中。
package message

import (
	"strings"

	"github.com/Metaphorme/railsync/pkg/models"
)

// 线路标签
const (
	TagMove         = "MOVE"
	TagExhaust      = "EXHAUST"
	TagLocoInfo     = "LOCOINFO"
	TagTrain        = "TRAIN"
	TagRemoveTrain  = "REMOVETRAIN"
	TagUncouple     = "UNCOUPLE"
	TagCouple       = "COUPLE"
	TagLocoChange   = "LOCOCHANGE"
	TagUpdateTrain  = "UPDATETRAIN"
	TagGetTrain     = "GETTRAIN"
	TagFlip         = "FLIP"
	TagSwitchStates = "SWITCHSTATES"
	TagSignalStates = "SIGNALSTATES"
	TagSwitch       = "SWITCH"
	TagResetSignal  = "RESETSIGNAL"
	TagPlayer       = "PLAYER"
	TagQuit         = "QUIT"
	TagLost         = "LOST"
	TagAlive        = "ALIVE"
	TagSameName     = "SAMENAME"
	TagError        = "ERROR"
	TagWarning      = "WARNING"
	TagTimeCheck    = "TIMECHECK"
	TagControl      = "CONTROL"
	TagAider        = "AIDER"
	TagHostQuery    = "HOSTQUERY"
	TagHostOffer    = "HOSTOFFER"
	TagServer       = "SERVER"
	TagText         = "TEXT"
	TagAvatar       = "AVATAR"
)

// Everyone 是 TEXT/WARNING 等消息中表示全体的收件人
const Everyone = "*"

// Message 是一条协议消息。接口不可在包外实现。
type Message interface {
	Tag() string
	encode(w *writer)
	decode(body string) error
}

// Family 是消息的分类
type Family int

const (
	FamilyWorld Family = iota + 1
	FamilyStructural
	FamilySync
	FamilySession
	FamilySocial
)

func (f Family) String() string {
	switch f {
	case FamilyWorld:
		return "world"
	case FamilyStructural:
		return "structural"
	case FamilySync:
		return "sync"
	case FamilySession:
		return "session"
	case FamilySocial:
		return "social"
	default:
		return "unknown"
	}
}

type entry struct {
	family Family
	make   func() Message
}

var registry = map[string]entry{
	TagMove:         {FamilyWorld, func() Message { return new(Move) }},
	TagExhaust:      {FamilyWorld, func() Message { return new(Exhaust) }},
	TagLocoInfo:     {FamilyWorld, func() Message { return new(LocoInfo) }},
	TagTrain:        {FamilyStructural, func() Message { return new(Train) }},
	TagRemoveTrain:  {FamilyStructural, func() Message { return new(RemoveTrain) }},
	TagUncouple:     {FamilyStructural, func() Message { return new(Uncouple) }},
	TagCouple:       {FamilyStructural, func() Message { return new(Couple) }},
	TagLocoChange:   {FamilyStructural, func() Message { return new(LocoChange) }},
	TagUpdateTrain:  {FamilyStructural, func() Message { return new(UpdateTrain) }},
	TagGetTrain:     {FamilyStructural, func() Message { return new(GetTrain) }},
	TagFlip:         {FamilyStructural, func() Message { return new(Flip) }},
	TagSwitchStates: {FamilySync, func() Message { return &States{Kind: SwitchKind} }},
	TagSignalStates: {FamilySync, func() Message { return &States{Kind: SignalKind} }},
	TagSwitch:       {FamilySync, func() Message { return new(Switch) }},
	TagResetSignal:  {FamilySync, func() Message { return new(ResetSignal) }},
	TagPlayer:       {FamilySession, func() Message { return new(Player) }},
	TagQuit:         {FamilySession, func() Message { return new(Quit) }},
	TagLost:         {FamilySession, func() Message { return new(Lost) }},
	TagAlive:        {FamilySession, func() Message { return new(Alive) }},
	TagSameName:     {FamilySession, func() Message { return new(SameName) }},
	TagError:        {FamilySession, func() Message { return &Notice{Fatal: true} }},
	TagWarning:      {FamilySession, func() Message { return new(Notice) }},
	TagTimeCheck:    {FamilySession, func() Message { return new(TimeCheck) }},
	TagControl:      {FamilySession, func() Message { return new(Control) }},
	TagAider:        {FamilySession, func() Message { return new(Aider) }},
	TagHostQuery:    {FamilySession, func() Message { return new(HostQuery) }},
	TagHostOffer:    {FamilySession, func() Message { return new(HostOffer) }},
	TagServer:       {FamilySession, func() Message { return new(Server) }},
	TagText:         {FamilySocial, func() Message { return new(Text) }},
	TagAvatar:       {FamilySocial, func() Message { return new(Avatar) }},
}

// Tags 返回全部已知标签
func Tags() []string {
	out := make([]string, 0, len(registry))
	for tag := range registry {
		out = append(out, tag)
	}
	return out
}

// FamilyOf 返回消息所属的分类
func FamilyOf(m Message) Family { return registry[m.Tag()].family }

// Encode 把消息序列化为帧负载
func Encode(m Message) string {
	var w writer
	w.str(m.Tag())
	m.encode(&w)
	return w.b.String()
}

// Decode 把帧负载解析为消息。未知标签返回致命的 KindFraming 错误，
// 字段错误返回可恢复的 KindMalformedBody 错误。
func Decode(payload string) (Message, error) {
	tag, body, _ := strings.Cut(payload, " ")
	return DecodeBody(tag, body)
}

// DecodeBody 按标签构造消息并解析消息体
func DecodeBody(tag, body string) (Message, error) {
	e, ok := registry[tag]
	if !ok {
		return nil, models.Errorf(models.KindFraming, "unknown message tag %q", tag)
	}
	m := e.make()
	if err := m.decode(body); err != nil {
		return nil, err
	}
	return m, nil
}
