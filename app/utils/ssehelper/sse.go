// Package ssehelper 处理 text/event-stream 的编码与增量解码。
package ssehelper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// LineKind 行类型
type LineKind int

const (
	LineData    LineKind = iota // data: 开头
	LineComment                 // : 开头
	LineBlank                   // 空行，事件结束
	LineOther                   // event:/id:/retry: 等其它字段，调用方一般忽略
)

func (k LineKind) String() string {
	switch k {
	case LineData:
		return "data"
	case LineComment:
		return "comment"
	case LineBlank:
		return "blank"
	default:
		return "other"
	}
}

// Line 一行完整的 SSE 文本
type Line struct {
	Kind  LineKind
	Value string // data 行为 data: 之后的内容，注释行为 : 之后的内容
}

// ErrNotData 对非 data 行调用 Decode
var ErrNotData = errors.New("not a data line")

// Decode 把 data 行的内容解析为 JSON
func (l Line) Decode(v any) error {
	if l.Kind != LineData {
		return ErrNotData
	}
	if err := json.Unmarshal([]byte(l.Value), v); err != nil {
		return fmt.Errorf("解析 SSE 数据失败: %w", err)
	}
	return nil
}

// Decoder 增量行分帧器。
// 输入可以在任意位置被截断，不完整的尾部会保留到下一次 Feed。
type Decoder struct {
	buf []byte
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 追加一段字节，返回其中所有完整的行
func (d *Decoder) Feed(chunk []byte) []Line {
	d.buf = append(d.buf, chunk...)

	var lines []Line
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, classify(d.buf[:idx]))
		d.buf = d.buf[idx+1:]
	}

	// 缓冲区已全部消费时释放底层数组
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Flush 流结束时返回残留的不完整行
func (d *Decoder) Flush() []Line {
	if len(d.buf) == 0 {
		return nil
	}
	line := classify(d.buf)
	d.buf = nil
	return []Line{line}
}

// Pending 尚未成行的字节数
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func classify(raw []byte) Line {
	raw = bytes.TrimSuffix(raw, []byte("\r"))

	switch {
	case len(raw) == 0:
		return Line{Kind: LineBlank}
	case raw[0] == ':':
		return Line{Kind: LineComment, Value: string(bytes.TrimPrefix(raw[1:], []byte(" ")))}
	case bytes.HasPrefix(raw, []byte("data:")):
		return Line{Kind: LineData, Value: string(bytes.TrimPrefix(raw[len("data:"):], []byte(" ")))}
	default:
		return Line{Kind: LineOther, Value: string(raw)}
	}
}

// Stream 从 r 读取直到 EOF，每得到一行调用一次 fn。fn 返回 io.EOF 时正常结束。
func Stream(r io.Reader, fn func(Line) error) error {
	dec := NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				if ferr := fn(line); ferr != nil {
					if errors.Is(ferr, io.EOF) {
						return nil
					}
					return ferr
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			for _, line := range dec.Flush() {
				if ferr := fn(line); ferr != nil && !errors.Is(ferr, io.EOF) {
					return ferr
				}
			}
			return nil
		}
	}
}

// SetHeaders 设置 SSE 响应头
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteData 以 data: <json>\n\n 的形式写出一个事件
func WriteData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteComment 写出一行注释
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
