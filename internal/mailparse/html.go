package mailparse

import (
	"strings"

	"golang.org/x/net/html"
)

// 块级元素结束后插入换行
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "td": true, "th": true,
	"li": true, "h1": true, "h2": true, "h3": true, "h4": true, "table": true,
}

// HTMLToText 提取 HTML 中的可见文本，跳过 script/style。
//
// 每个元素边界都会插入空白，相邻行内元素的文本不会被拼成一个词。
func HTMLToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "head") {
			return
		}
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type != html.ElementNode {
			return
		}
		if blockElements[n.Data] {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
	walk(doc)

	return collapseSpace(b.String())
}

func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
