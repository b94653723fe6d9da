// Package notify はユーザーへの一時通知（トースト）を提供する。
// 通知はブラウザセッションごとのキューに積まれ、次回のページ描画で1回だけ表示される。
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// Kind は通知の種類。
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindLoading Kind = "loading"
)

// Token はLoading通知を後から取り消すためのハンドル。
type Token string

// Message は表示待ちの通知1件。
type Message struct {
	Token Token
	Kind  Kind
	Text  string
}

// Notifier は通知の発行インターフェース。
type Notifier interface {
	Success(text string)
	Error(text string)
	Loading(text string) Token
	Dismiss(token Token)
}

// maxPending は1セッションに溜められる通知の上限。超えた分は古いものから捨てる。
const maxPending = 20

// Flash はブラウザセッション単位の通知キュー。Notifierを実装する。
type Flash struct {
	mu       sync.Mutex
	messages []Message
}

// NewFlash は空のFlashを生成する。
func NewFlash() *Flash {
	return &Flash{}
}

// Success は成功通知を積む。
func (f *Flash) Success(text string) {
	f.push(KindSuccess, text)
}

// Error はエラー通知を積む。
func (f *Flash) Error(text string) {
	f.push(KindError, text)
}

// Loading は処理中通知を積み、取り消し用のTokenを返す。
func (f *Flash) Loading(text string) Token {
	return f.push(KindLoading, text)
}

// Dismiss はTokenに対応する通知を取り除く。該当がなければ何もしない。
func (f *Flash) Dismiss(token Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.Token == token {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			return
		}
	}
}

// Drain は表示待ちの通知をすべて返し、キューを空にする。
func (f *Flash) Drain() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.messages
	f.messages = nil
	return out
}

// Pending は表示待ちの件数を返す。
func (f *Flash) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *Flash) push(kind Kind, text string) Token {
	token := Token(uuid.NewString())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, Message{Token: token, Kind: kind, Text: text})
	if over := len(f.messages) - maxPending; over > 0 {
		f.messages = append([]Message(nil), f.messages[over:]...)
	}
	return token
}

var _ Notifier = (*Flash)(nil)
