package fix

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	// maxHeaderLen 是 "8=FIX.4.2<SOH>9=nnnnn<SOH>" 的宽松上限。
	maxHeaderLen = 32
	// DefaultMaxBodyLen 单帧 BodyLength 上限。
	DefaultMaxBodyLen = 1 << 20
	trailerLen        = len("10=000\x01")
)

var (
	beginMarker = []byte("8=FIX")
	// nextFrame 出现在一帧内部说明下一帧已经开始
	nextFrame = []byte("\x018=FIX")
)

// Framer 把传输层的字节块切分成完整的 FIX 帧。
// 传输层只保证字节有序，不保证边界。Framer 不是并发安全的，由分发循环独占。
type Framer struct {
	buf        []byte
	MaxBodyLen int
}

// Write 追加一个入站字节块。
func (f *Framer) Write(chunk []byte) {
	f.buf = append(f.buf, chunk...)
}

// Buffered 返回尚未成帧的字节数。
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset 丢弃缓冲（重连时使用）。
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// Next 取出下一帧。数据不足时返回 (nil, nil)。
// 遇到无法成帧的字节时跳过到下一个 "8=FIX" 并返回 ErrMalformedMessage，
// 调用方可以继续调用 Next。返回的帧是独立拷贝。
func (f *Framer) Next() ([]byte, error) {
	if len(f.buf) == 0 {
		return nil, nil
	}
	start := bytes.Index(f.buf, beginMarker)
	if start < 0 {
		// 末尾可能是被截断的 "8=FI"，保留它
		dropped := len(f.buf) - partialMarker(f.buf)
		if dropped == 0 {
			return nil, nil
		}
		f.consume(dropped)
		return nil, fmt.Errorf("%w: skipped %d bytes of garbage", ErrMalformedMessage, dropped)
	}
	if start > 0 {
		f.consume(start)
		return nil, fmt.Errorf("%w: skipped %d bytes before BeginString", ErrMalformedMessage, start)
	}

	first := bytes.IndexByte(f.buf, SOH)
	if first < 0 {
		if len(f.buf) > maxHeaderLen {
			return nil, f.resync("BeginString not terminated")
		}
		return nil, nil
	}
	second := -1
	if idx := bytes.IndexByte(f.buf[first+1:], SOH); idx >= 0 {
		second = first + 1 + idx
	}
	if second < 0 {
		if len(f.buf) > maxHeaderLen {
			return nil, f.resync("BodyLength not terminated")
		}
		return nil, nil
	}
	lenField := f.buf[first+1 : second]
	if !bytes.HasPrefix(lenField, []byte("9=")) {
		return nil, f.resync("BodyLength must follow BeginString")
	}
	bodyLen, err := strconv.Atoi(string(lenField[2:]))
	if err != nil || bodyLen <= 0 {
		return nil, f.resync("bad BodyLength")
	}
	maxBody := f.MaxBodyLen
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyLen
	}
	if bodyLen > maxBody {
		return nil, f.resync("BodyLength exceeds limit")
	}

	total := second + 1 + bodyLen + trailerLen
	limit := total
	if len(f.buf) < limit {
		limit = len(f.buf)
	}
	// BodyLength 被改大时不等待凑满字节：声明范围内出现下一帧即判定本帧损坏
	if idx := bytes.Index(f.buf[:limit], nextFrame); idx >= 0 {
		f.consume(idx + 1)
		return nil, fmt.Errorf("%w: BodyLength overruns next frame", ErrMalformedMessage)
	}
	if len(f.buf) < total {
		return nil, nil
	}
	if !bytes.HasPrefix(f.buf[total-trailerLen:], []byte("10=")) || f.buf[total-1] != SOH {
		return nil, f.resync("CheckSum not where BodyLength says")
	}
	frame := make([]byte, total)
	copy(frame, f.buf[:total])
	f.consume(total)
	return frame, nil
}

// resync 丢弃当前损坏的帧，直接跳到下一个 BeginString，一帧只报告一次错误。
func (f *Framer) resync(reason string) error {
	if next := bytes.Index(f.buf[1:], beginMarker); next >= 0 {
		f.consume(next + 1)
	} else {
		f.consume(len(f.buf) - partialMarker(f.buf[1:]))
	}
	return fmt.Errorf("%w: %s", ErrMalformedMessage, reason)
}

// partialMarker 返回 buf 末尾可能是 "8=FIX" 前缀的字节数。
func partialMarker(buf []byte) int {
	n := len(beginMarker) - 1
	if n > len(buf) {
		n = len(buf)
	}
	for ; n > 0; n-- {
		if bytes.HasSuffix(buf, beginMarker[:n]) {
			return n
		}
	}
	return 0
}

func (f *Framer) consume(n int) {
	remaining := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:remaining]
}
