// Package mailparse 把原始 RFC 5322 邮件解码为可供验证码提取的文本。
package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// 单个文本部分的最大读取量，验证码邮件不会超过这个大小
const maxPartSize = 1 << 20

// ParsedEmail 表示解析后的邮件内容（附件被忽略）。
type ParsedEmail struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
	Text      string
	HTML      string
}

// Body 返回纯文本正文；只有 HTML 部分时返回去除标签后的文本。
func (p *ParsedEmail) Body() string {
	if strings.TrimSpace(p.Text) != "" {
		return p.Text
	}
	if p.HTML != "" {
		return HTMLToText(p.HTML)
	}
	return ""
}

// AddressedTo 判断收件人（To/Cc/Delivered-To）是否包含 address，大小写不敏感。
func (p *ParsedEmail) AddressedTo(address string) bool {
	address = strings.ToLower(address)
	for _, rcpt := range p.To {
		if rcpt == address {
			return true
		}
	}
	return false
}

// Parse 解析邮件，提取头部、文本和 HTML。
func Parse(raw []byte) (*ParsedEmail, error) {
	return ParseReader(bytes.NewReader(raw))
}

// ParseReader 从流中解析邮件。
func ParseReader(r io.Reader) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		Subject:   DecodeHeader(msg.Header.Get("Subject")),
		From:      DecodeHeader(msg.Header.Get("From")),
		To:        recipients(msg.Header),
	}
	if date, err := msg.Header.Date(); err == nil {
		parsed.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(io.LimitReader(msg.Body, maxPartSize))
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件，只保留第一个 text/plain 与 text/html。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			if dispType, _, _ := mime.ParseMediaType(disposition); dispType == "attachment" {
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		// multipart.Part 会自动解开 quoted-printable 并删除该头部
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// decodeBody 根据传输编码与字符集解码正文。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	body, err := io.ReadAll(io.LimitReader(decoded, maxPartSize))
	if err != nil {
		return "", err
	}
	return convertCharset(body, charset), nil
}

func convertCharset(body []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(body)
	}
	if enc := charsetEncoding(charset); enc != nil {
		if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			return string(converted)
		}
	}
	return string(body)
}

// charsetEncoding 根据字符集名称返回编码
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1
	case "iso-8859-15":
		return charmap.ISO8859_15
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	default:
		return nil
	}
}

var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc := charsetEncoding(strings.ToLower(charset))
		if enc == nil {
			return nil, fmt.Errorf("unhandled charset %q", charset)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

// DecodeHeader 解码 RFC 2047 编码的头部，失败时原样返回。
func DecodeHeader(value string) string {
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func recipients(h mail.Header) []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range []string{"To", "Cc", "Delivered-To", "X-Original-To"} {
		if h.Get(key) == "" {
			continue
		}
		list, err := h.AddressList(key)
		if err != nil {
			// 非标准头部退化为按逗号拆分
			for _, raw := range strings.Split(h.Get(key), ",") {
				addr := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "<>"))
				if addr != "" && !seen[addr] {
					seen[addr] = true
					out = append(out, addr)
				}
			}
			continue
		}
		for _, a := range list {
			addr := strings.ToLower(a.Address)
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}
